package vision_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ecobin/internal/material"
	"ecobin/internal/services"
	"ecobin/internal/vision"
)

func TestBest(t *testing.T) {
	allowed := material.NewSet([]string{"plastic", "aluminum"})
	tests := []struct {
		name       string
		detections []vision.Detection
		want       material.Kind
	}{
		{name: "empty", want: material.None},
		{
			name:       "below threshold",
			detections: []vision.Detection{{Label: "plastic", Confidence: 0.3}},
			want:       material.None,
		},
		{
			name: "highest confidence wins",
			detections: []vision.Detection{
				{Label: "plastico", Confidence: 0.6},
				{Label: "aluminio", Confidence: 0.9},
			},
			want: material.Aluminum,
		},
		{
			name: "unknown labels ignored",
			detections: []vision.Detection{
				{Label: "glass", Confidence: 0.99},
				{Label: "plastic", Confidence: 0.55},
			},
			want: material.Plastic,
		},
		{
			name:       "threshold inclusive",
			detections: []vision.Detection{{Label: "plastic", Confidence: 0.5}},
			want:       material.Plastic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := vision.Best(tt.detections, 0.5, allowed)
			if got != tt.want {
				t.Fatalf("Best = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBestRespectsAllowedSet(t *testing.T) {
	allowed := material.NewSet([]string{"plastic"})
	got, _ := vision.Best([]vision.Detection{{Label: "aluminum", Confidence: 0.9}}, 0.5, allowed)
	if got != material.None {
		t.Fatalf("expected aluminum to be filtered, got %q", got)
	}
}

func TestHTTPSourceDecodesDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[{"label":"plastico","confidence":0.82,"box":[1,2,3,4]}]}`))
	}))
	defer srv.Close()

	source := vision.NewHTTPSource(srv.URL, time.Second)
	detections, err := source.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(detections) != 1 || detections[0].Label != "plastico" || detections[0].Box[3] != 4 {
		t.Fatalf("unexpected detections %+v", detections)
	}
}

func TestHTTPSourceFailuresAreDeviceUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		},
		"bad json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := vision.NewHTTPSource(srv.URL, time.Second).Next(context.Background())
			if !errors.Is(err, services.ErrDeviceUnavailable) {
				t.Fatalf("expected device unavailable, got %v", err)
			}
		})
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	if _, err := vision.NewHTTPSource(url, time.Second).Next(context.Background()); !errors.Is(err, services.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable for closed server, got %v", err)
	}
	if _, err := vision.NewHTTPSource("", time.Second).Next(context.Background()); !errors.Is(err, services.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable for blank url, got %v", err)
	}
}
