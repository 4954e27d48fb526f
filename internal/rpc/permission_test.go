package rpc

import (
	"context"
	"testing"
)

func TestAlwaysGranted_Check(t *testing.T) {
	p := AlwaysGranted{}
	status, err := p.Check(context.Background(), "camera")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != PermissionGranted {
		t.Errorf("status = %q, want granted", status)
	}
}

func TestRemediationFor_KnownPermissionAndStatus(t *testing.T) {
	got := remediationFor("camera", PermissionDenied)
	want := "Grant camera access in System Settings > Privacy & Security > Camera."
	if got != want {
		t.Errorf("remediationFor = %q, want %q", got, want)
	}
}

func TestRemediationFor_UnknownPermissionFallsBackToGeneric(t *testing.T) {
	got := remediationFor("bluetooth", PermissionDenied)
	if got != genericRemediation {
		t.Errorf("remediationFor = %q, want generic fallback", got)
	}
}

func TestRemediationFor_KnownPermissionUnlistedStatusFallsBackToGeneric(t *testing.T) {
	got := remediationFor("camera", PermissionGranted)
	if got != genericRemediation {
		t.Errorf("remediationFor = %q, want generic fallback", got)
	}
}
