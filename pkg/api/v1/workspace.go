package v1

// WorkspaceKind distinguishes local checkouts from GitHub-backed workspaces
type WorkspaceKind string

const (
	WorkspaceKindLocal  WorkspaceKind = "local"
	WorkspaceKindGitHub WorkspaceKind = "github"
)

// WorkspaceContext describes where an agent operates. Two contexts refer to
// the same workspace when their repoId values match.
type WorkspaceContext struct {
	Kind   WorkspaceKind `json:"kind"`
	RepoID string        `json:"repoId"`
	Branch string        `json:"branch,omitempty"`
	Path   string        `json:"path,omitempty"`
}

// SameWorkspace reports whether both contexts refer to the same repository.
func (w *WorkspaceContext) SameWorkspace(repoID string) bool {
	if w == nil {
		return false
	}
	return w.RepoID == repoID
}
