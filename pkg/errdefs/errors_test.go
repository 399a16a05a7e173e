package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorTaxonomy_RecoverableFlags(t *testing.T) {
	// Network failures are recoverable, capacity/security/application are not
	cases := []struct {
		name        string
		err         *StorageError
		code        Code
		recoverable bool
	}{
		{"peer unreachable", PeerUnreachable("n1", nil), CodePeerUnreachable, true},
		{"network timeout", NetworkTimeout("store", nil), CodeNetworkTimeout, true},
		{"mesh disconnected", MeshDisconnected(nil), CodeMeshDisconnected, true},
		{"insufficient space", InsufficientSpace(1024, 512), CodeInsufficientSpace, false},
		{"permission denied", PermissionDenied("/data/blobs", nil), CodePermissionDenied, false},
		{"disk io", DiskIOError("write", nil), CodeDiskIOError, true},
		{"untrusted source", UntrustedSource("n9"), CodeUntrustedSource, false},
		{"checksum mismatch", ChecksumMismatch("f1", "abc", "def"), CodeChecksumMismatch, false},
		{"invalid file id", InvalidFileID("missing"), CodeInvalidFileID, false},
		{"already exists", AlreadyExists("f1"), CodeAlreadyExists, false},
		{"not implemented", NotImplemented("rebalancing"), CodeNotImplemented, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("Expected code %s, got %s", tc.code, tc.err.Code)
			}
			if tc.err.Recoverable != tc.recoverable {
				t.Errorf("Expected recoverable=%v, got %v", tc.recoverable, tc.err.Recoverable)
			}
			if !IsRecoverable(tc.err) && tc.recoverable {
				t.Error("IsRecoverable disagrees with the Recoverable flag")
			}
		})
	}
}

func TestErrorMessages_ContainContext(t *testing.T) {
	err := InsufficientSpace(2048, 100)
	if !strings.Contains(err.Error(), "2048") || !strings.Contains(err.Error(), "100") {
		t.Errorf("Expected required/available bytes in message, got: %s", err.Error())
	}

	err = ChecksumMismatch("file-7", "aaa", "bbb")
	for _, want := range []string{"file-7", "aaa", "bbb"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in message, got: %s", want, err.Error())
		}
	}
}

func TestUnwrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := PeerUnreachable("n2", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the wrapped cause")
	}

	wrapped := fmt.Errorf("replication attempt: %w", err)

	var se *StorageError
	if !errors.As(wrapped, &se) {
		t.Fatal("Expected errors.As to find StorageError through a wrap")
	}
	if se.Code != CodePeerUnreachable {
		t.Errorf("Expected PEER_UNREACHABLE through wrap, got %s", se.Code)
	}
}

func TestCodeOf_ThroughWrapChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", NetworkTimeout("retrieve", nil))

	code, ok := CodeOf(err)
	if !ok {
		t.Fatal("Expected CodeOf to find a code")
	}
	if code != CodeNetworkTimeout {
		t.Errorf("Expected NETWORK_TIMEOUT, got %s", code)
	}

	if !HasCode(err, CodeNetworkTimeout) {
		t.Error("Expected HasCode to match NETWORK_TIMEOUT")
	}
	if HasCode(err, CodeInvalidFileID) {
		t.Error("HasCode matched the wrong code")
	}
}

func TestCodeOf_PlainError(t *testing.T) {
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Error("Expected no code for a plain error")
	}
	if IsRecoverable(errors.New("plain")) {
		t.Error("Plain errors must not be treated as recoverable")
	}
	if IsRecoverable(nil) {
		t.Error("nil must not be recoverable")
	}
}

func TestAsStorageError(t *testing.T) {
	// Taxonomy errors pass through unchanged
	orig := UntrustedSource("n3")
	if got := AsStorageError(orig); got != orig {
		t.Error("Expected taxonomy error to pass through unchanged")
	}

	// Foreign errors are wrapped, keeping the cause reachable
	cause := errors.New("short write")
	got := AsStorageError(cause)
	if got.Code != CodeDiskIOError {
		t.Errorf("Expected DISK_IO_ERROR wrap, got %s", got.Code)
	}
	if !errors.Is(got, cause) {
		t.Error("Expected wrapped cause to remain in the chain")
	}

	if AsStorageError(nil) != nil {
		t.Error("Expected nil for nil input")
	}
}
