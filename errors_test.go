package iuring

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("INIT", ErrCodeQueueFull, "submission queue still full after flush")

	if err.Op != "INIT" {
		t.Errorf("Expected Op=INIT, got %s", err.Op)
	}
	if err.Code != ErrCodeQueueFull {
		t.Errorf("Expected Code=ErrCodeQueueFull, got %s", err.Code)
	}

	expected := "iuring: submission queue still full after flush (op=INIT)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("PROBE", ErrCodeKernelNotSupported, syscall.ENOSYS)

	if err.Errno != syscall.ENOSYS {
		t.Errorf("Expected Errno=ENOSYS, got %v", err.Errno)
	}
	if err.Code != ErrCodeKernelNotSupported {
		t.Errorf("Expected Code=ErrCodeKernelNotSupported, got %s", err.Code)
	}
}

func TestSocketError(t *testing.T) {
	err := NewSocketError("SUBMIT_ACCEPT", 7, ErrCodeTransport, syscall.EINVAL)

	if err.Fd != 7 {
		t.Errorf("Expected Fd=7, got %d", err.Fd)
	}

	expected := fmt.Sprintf("iuring: %s (op=SUBMIT_ACCEPT fd=7 errno=%d)",
		syscall.EINVAL.Error(), int(syscall.EINVAL))
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name     string
		inner    error
		wantCode ErrorCode
	}{
		{"nil", nil, ""},
		{"efault means old kernel", syscall.EFAULT, ErrCodeKernelNotSupported},
		{"einval means old kernel", syscall.EINVAL, ErrCodeKernelNotSupported},
		{"enobufs", syscall.ENOBUFS, ErrCodeNoBuffer},
		{"enomem", syscall.ENOMEM, ErrCodeMmapFailed},
		{"eperm", syscall.EPERM, ErrCodePermission},
		{"econnrefused is transport", syscall.ECONNREFUSED, ErrCodeTransport},
		{"plain error is transport", errors.New("boom"), ErrCodeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapError("SUBMIT", tt.inner)
			if tt.inner == nil {
				if err != nil {
					t.Fatalf("WrapError(nil) = %v, want nil", err)
				}
				return
			}
			if err.Code != tt.wantCode {
				t.Errorf("WrapError(%v).Code = %s, want %s", tt.inner, err.Code, tt.wantCode)
			}
			if err.Op != "SUBMIT" {
				t.Errorf("WrapError Op = %s, want SUBMIT", err.Op)
			}
		})
	}
}

func TestWrapErrorKeepsStructured(t *testing.T) {
	inner := NewSocketError("BIND", 3, ErrCodePermission, syscall.EACCES)
	err := WrapError("SOCKET", inner)

	if err.Op != "SOCKET" {
		t.Errorf("Op = %s, want SOCKET", err.Op)
	}
	if err.Fd != 3 {
		t.Errorf("Fd = %d, want 3 (carried from inner)", err.Fd)
	}
	if err.Code != ErrCodePermission {
		t.Errorf("Code = %s, want ErrCodePermission", err.Code)
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := WrapError("OUTER", NewError("INNER", ErrCodeMmapFailed, "mmap"))
	target := &Error{Code: ErrCodeMmapFailed}

	if !errors.Is(err, target) {
		t.Error("errors.Is should match by code")
	}

	other := &Error{Code: ErrCodeQueueFull}
	if errors.Is(err, other) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestIsCodeAndIsErrno(t *testing.T) {
	err := NewErrorWithErrno("WAIT", ErrCodeTransport, syscall.ECONNRESET)

	if !IsCode(err, ErrCodeTransport) {
		t.Error("IsCode(ErrCodeTransport) = false, want true")
	}
	if IsCode(err, ErrCodeNoBuffer) {
		t.Error("IsCode(ErrCodeNoBuffer) = true, want false")
	}
	if !IsErrno(err, syscall.ECONNRESET) {
		t.Error("IsErrno(ECONNRESET) = false, want true")
	}
	if IsErrno(errors.New("plain"), syscall.ECONNRESET) {
		t.Error("IsErrno on a plain error = true, want false")
	}
}
