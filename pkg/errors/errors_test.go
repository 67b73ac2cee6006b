package errors

import (
	"encoding/json"
	stderr "errors"
	"testing"
)

func TestNew(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeNoSuchKey, "object not found")
	if err.Code != ErrCodeNoSuchKey {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNoSuchKey)
	}
	if err.Message != "object not found" {
		t.Errorf("Message = %q, want %q", err.Message, "object not found")
	}
	if err.Retryable {
		t.Error("NoSuchKey should not default to retryable")
	}
	if err.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %d, want 404", err.HTTPStatus)
	}
}

func TestDefaultRetryable(t *testing.T) {
	t.Parallel()

	for _, code := range []ErrorCode{ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeOperationTimeout} {
		if !New(code, "x").Retryable {
			t.Errorf("code %v should default to retryable", code)
		}
	}
	if New(ErrCodeInternalError, "x").Retryable {
		t.Error("InternalError should not default to retryable")
	}
}

func TestDefaultHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[ErrorCode]int{
		ErrCodeNoSuchKey:         404,
		ErrCodeNoSuchBucket:      404,
		ErrCodeBadRequest:        400,
		ErrCodeNotImplemented:    501,
		ErrCodeVersionMismatch:   500,
		ErrCodeInternalError:     500,
		ErrCodeConnectionTimeout: 504,
		ErrCodeOperationTimeout:  504,
	}
	for code, want := range cases {
		if got := New(code, "x").HTTPStatus; got != want {
			t.Errorf("code %v: HTTPStatus = %d, want %d", code, got, want)
		}
	}
}

func TestS3Code(t *testing.T) {
	t.Parallel()

	cases := map[ErrorCode]string{
		ErrCodeNoSuchKey:       "NoSuchKey",
		ErrCodeNoSuchBucket:    "NoSuchBucket",
		ErrCodeNotImplemented:  "NotImplemented",
		ErrCodeBadRequest:      "BadRequest",
		ErrCodeVersionMismatch: "InternalError",
		ErrCodeInternalError:   "InternalError",
	}
	for code, want := range cases {
		if got := New(code, "x").S3Code(); got != want {
			t.Errorf("code %v: S3Code() = %q, want %q", code, got, want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	t.Parallel()

	cause := stderr.New("dial tcp: connection refused")
	err := Wrap(ErrCodeConnectionFailed, cause, "directory unreachable")

	if err.Cause != cause {
		t.Error("Wrap did not retain cause")
	}
	if !stderr.Is(err, cause) {
		t.Error("errors.Is should unwrap to cause")
	}
}

func TestIsHelpers(t *testing.T) {
	t.Parallel()

	if !IsNoSuchKey(New(ErrCodeNoSuchKey, "missing")) {
		t.Error("IsNoSuchKey should match ErrCodeNoSuchKey")
	}
	if IsNoSuchKey(New(ErrCodeInternalError, "boom")) {
		t.Error("IsNoSuchKey should not match ErrCodeInternalError")
	}
	if !IsNotImplemented(New(ErrCodeNotImplemented, "azure versioning")) {
		t.Error("IsNotImplemented should match ErrCodeNotImplemented")
	}
	if IsNoSuchKey(stderr.New("plain error")) {
		t.Error("IsNoSuchKey should return false for non-ProxyError")
	}
}

func TestIs(t *testing.T) {
	t.Parallel()

	a := New(ErrCodeNoSuchKey, "one")
	b := New(ErrCodeNoSuchKey, "two")
	c := New(ErrCodeInternalError, "three")

	if !stderr.Is(a, b) {
		t.Error("errors with the same code should match via Is")
	}
	if stderr.Is(a, c) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestWithHelpers(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeInternalError, "put failed").
		WithComponent("orchestrator").
		WithOperation("PutObject").
		WithDetail("bucket", "b1").
		WithDetail("key", "k1")

	if err.Component != "orchestrator" || err.Operation != "PutObject" {
		t.Errorf("WithComponent/WithOperation not applied: %+v", err)
	}
	if err.Details["bucket"] != "b1" || err.Details["key"] != "k1" {
		t.Errorf("WithDetail not applied: %+v", err.Details)
	}

	msg := err.Error()
	if msg == "" {
		t.Error("Error() returned empty string")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	withBoth := New(ErrCodeInternalError, "boom").WithComponent("c").WithOperation("op")
	if withBoth.Error() != "[c:op] INTERNAL_ERROR: boom" {
		t.Errorf("Error() = %q", withBoth.Error())
	}

	withComponent := New(ErrCodeInternalError, "boom").WithComponent("c")
	if withComponent.Error() != "[c] INTERNAL_ERROR: boom" {
		t.Errorf("Error() = %q", withComponent.Error())
	}

	bare := New(ErrCodeInternalError, "boom")
	if bare.Error() != "INTERNAL_ERROR: boom" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestJSON(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeNoSuchKey, "missing").WithComponent("orchestrator")
	raw := err.JSON()

	var decoded map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(raw), &decoded); jsonErr != nil {
		t.Fatalf("JSON() produced invalid json: %v", jsonErr)
	}
	if decoded["code"] != string(ErrCodeNoSuchKey) {
		t.Errorf("decoded code = %v, want %v", decoded["code"], ErrCodeNoSuchKey)
	}
}

func TestFormatDetails(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeInternalError, "boom")
	if err.FormatDetails() != "" {
		t.Error("FormatDetails should be empty with no details")
	}

	err.WithDetail("bucket", "b1")
	if err.FormatDetails() != "bucket=b1" {
		t.Errorf("FormatDetails() = %q", err.FormatDetails())
	}
}
