// Package reader talks to the contactless credential reader.
//
// The reader hardware is a microcontroller bridge on a serial port that
// prints one line per card read. SerialReader scans those lines in the
// background and answers ReadUID polls with the UID seen inside the presence
// window, so a card resting on the reader keeps reporting the same UID and
// lifting it reports "". HotplugMonitor watches udev for the device node
// appearing and disappearing.
package reader
