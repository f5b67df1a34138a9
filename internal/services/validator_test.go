package services

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/resellerhub/backend/internal/apperr"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidate_DeviceInfo_Valid(t *testing.T) {
	v := newTestValidator(t)

	doc := json.RawMessage(`{"userAgent":"Mozilla/5.0","language":"en-US","platform":"MacIntel","screenResolution":"1920x1080","colorDepth":24,"timezone":"Europe/Berlin","hardwareConcurrency":8,"deviceMemory":"unknown"}`)
	if err := v.Validate(SchemaDeviceInfo, doc); err != nil {
		t.Fatalf("expected valid device info, got: %v", err)
	}
}

func TestValidate_DeviceInfo_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name string
		doc  string
	}{
		{name: "missing userAgent", doc: `{"platform":"MacIntel"}`},
		{name: "bad screen resolution", doc: `{"userAgent":"x","platform":"p","screenResolution":"big"}`},
		{name: "unknown field", doc: `{"userAgent":"x","platform":"p","canvasHash":"abc"}`},
		{name: "bad memory", doc: `{"userAgent":"x","platform":"p","deviceMemory":"lots"}`},
		{name: "not JSON", doc: `{"userAgent":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(SchemaDeviceInfo, json.RawMessage(tc.doc))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			if apperr.KindOf(err) != apperr.Invalid {
				t.Errorf("kind = %v, want Invalid", apperr.KindOf(err))
			}
		})
	}
}

func TestValidate_UserRequest(t *testing.T) {
	v := newTestValidator(t)

	valid := []string{
		`{"request_type":"delete_key","key_code":"ABC"}`,
		`{"request_type":"ban_udid","key_code":"ABC","udid":"00008030-001"}`,
		`{"request_type":"other","details":"please extend my key"}`,
	}
	for _, doc := range valid {
		if err := v.Validate(SchemaUserRequest, json.RawMessage(doc)); err != nil {
			t.Errorf("%s: unexpected error %v", doc, err)
		}
	}

	invalid := []string{
		`{"request_type":"delete_key"}`,
		`{"request_type":"ban_udid","key_code":"ABC"}`,
		`{"request_type":"other","details":""}`,
		`{"request_type":"refund"}`,
	}
	for _, doc := range invalid {
		if err := v.Validate(SchemaUserRequest, json.RawMessage(doc)); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", doc, err)
		}
	}
}

func TestValidate_UnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("nope", json.RawMessage(`{}`))
	if err == nil || errors.Is(err, ErrValidation) {
		t.Fatalf("unknown schema should be a plain error, got %v", err)
	}
}
