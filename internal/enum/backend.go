package enum

type BackendKind string

const (
	// BackendGoogleWorkspace is the multi-label backend
	BackendGoogleWorkspace BackendKind = "google_workspace"
	// BackendOutlook is the single-folder backend
	BackendOutlook BackendKind = "outlook"
)

func (k BackendKind) String() string {
	return string(k)
}

func (k BackendKind) IsValid() bool {
	switch k {
	case BackendGoogleWorkspace, BackendOutlook:
		return true
	}
	return false
}

// MultiLabel reports whether a message can belong to several units at once.
func (k BackendKind) MultiLabel() bool {
	return k == BackendGoogleWorkspace
}

func GetBackendKind(s string) BackendKind {
	return BackendKind(s)
}
