package services

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/mediaforge/backend/internal/models"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(DefaultSchemas())
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidate_Valid(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		module models.Module
		params string
	}{
		{models.ModuleChat, `{"prompt":"hello"}`},
		{models.ModuleChat, `{"messages":[{"role":"user","content":"hi"}],"temperature":0.3}`},
		{models.ModuleImage, `{"prompt":"a red fox in snow","num_images":2,"aspect_ratio":"16:9"}`},
		{models.ModuleTTS, `{"text":"Good morning","voice":"alloy","language":"en-US"}`},
		{models.ModuleImageToVideo, `{"image_url":"https://cdn.example.com/a.png","duration_seconds":5}`},
		{models.ModuleImageToVideoAudio, `{"image_url":"https://cdn.example.com/a.png","prompt":"waves"}`},
		{models.ModuleAudioToVideo, `{"image_url":"https://cdn.example.com/a.png","audio_url":"https://cdn.example.com/a.mp3"}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.module), func(t *testing.T) {
			if err := v.Validate(tc.module, json.RawMessage(tc.params)); err != nil {
				t.Fatalf("expected valid params, got: %v", err)
			}
		})
	}
}

func TestValidate_Invalid(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		name      string
		module    models.Module
		params    string
		wantField string
	}{
		{"missing prompt", models.ModuleImage, `{"num_images":1}`, "params"},
		{"prompt too short", models.ModuleImage, `{"prompt":"ab"}`, "params.prompt"},
		{"too many images", models.ModuleImage, `{"prompt":"a red fox","num_images":9}`, "params.num_images"},
		{"unknown field", models.ModuleTTS, `{"text":"hi","pitch":3}`, "params"},
		{"empty chat", models.ModuleChat, `{}`, "params"},
		{"bad message role", models.ModuleChat, `{"messages":[{"role":"robot","content":"x"}]}`, "params.messages.0.role"},
		{"non-http image", models.ModuleImageToVideo, `{"image_url":"ftp://x/a.png"}`, "params.image_url"},
		{"missing audio", models.ModuleAudioToVideo, `{"image_url":"https://x/a.png"}`, "params"},
		{"not an object", models.ModuleImage, `"a fox"`, "params"},
		{"malformed json", models.ModuleImage, `{"prompt":`, "params"},
		{"null params", models.ModuleTTS, `null`, "params"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.module, json.RawMessage(tc.params))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || len(ve.Fields) == 0 {
				t.Fatalf("expected field errors, got %v", err)
			}
			found := false
			for _, f := range ve.Fields {
				if f.Field == tc.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected an error on %q, got %+v", tc.wantField, ve.Fields)
			}
		})
	}
}

func TestValidate_UnknownModule(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate(models.Module("hologram"), json.RawMessage(`{}`))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Fields[0].Field != "module" {
		t.Fatalf("expected module field error, got %v", err)
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Module: models.ModuleImage, Fields: []FieldError{{Field: "params.prompt", Message: "required"}}}
	if !strings.Contains(err.Error(), "params.prompt: required") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestNewValidator_Errors(t *testing.T) {
	schema := []byte(`{"type":"object"}`)
	full := fstest.MapFS{}
	for _, m := range models.Modules {
		full[string(m)+".json"] = &fstest.MapFile{Data: schema}
	}
	if _, err := NewValidator(full); err != nil {
		t.Fatalf("complete set should compile: %v", err)
	}

	missing := fstest.MapFS{"image.json": &fstest.MapFile{Data: schema}}
	if _, err := NewValidator(missing); err == nil {
		t.Error("expected error for missing module schemas")
	}

	unknown := fstest.MapFS{"hologram.json": &fstest.MapFile{Data: schema}}
	if _, err := NewValidator(unknown); err == nil {
		t.Error("expected error for unknown module schema")
	}

	broken := fstest.MapFS{}
	for k, v := range full {
		broken[k] = v
	}
	broken["image.json"] = &fstest.MapFile{Data: []byte(`{"type": 12}`)}
	if _, err := NewValidator(broken); err == nil {
		t.Error("expected compile error")
	}
}
