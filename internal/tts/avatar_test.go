package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/synthesize" {
			t.Errorf("path = %q, want /synthesize", r.URL.Path)
		}
		var req synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Text != "Tell me about yourself?" {
			t.Errorf("Text = %q", req.Text)
		}
		if req.Voice != "David" {
			t.Errorf("Voice = %q, want David", req.Voice)
		}
		fmt.Fprint(w, `{
			"text": "Tell me about yourself?",
			"audio": "UklGRg==",
			"lipsync": {"mouthCues": [{"start": 0, "end": 0.5, "value": "A"}]},
			"facialExpression": "smile",
			"animation": "Talking"
		}`)
	}))
	defer srv.Close()

	client := NewAvatarClient(AvatarConfig{BaseURL: srv.URL})
	payload, err := client.Synthesize(context.Background(), "Tell me about yourself?")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if payload.Audio != "UklGRg==" {
		t.Errorf("Audio = %q", payload.Audio)
	}
	if payload.FacialExpression != "smile" || payload.Animation != "Talking" {
		t.Errorf("expression/animation = %q/%q", payload.FacialExpression, payload.Animation)
	}
	if len(payload.Lipsync) == 0 {
		t.Error("Lipsync should carry the raw mouth-cue JSON")
	}
}

func TestSynthesizeFillsMissingText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"audio": "AAAA"}`)
	}))
	defer srv.Close()

	client := NewAvatarClient(AvatarConfig{BaseURL: srv.URL})
	payload, err := client.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if payload.Text != "hello" {
		t.Errorf("Text = %q, want the input text echoed back", payload.Text)
	}
}

func TestSynthesizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rhubarb failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewAvatarClient(AvatarConfig{BaseURL: srv.URL})
	if _, err := client.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("Synthesize should fail on a non-200 response")
	}
}
