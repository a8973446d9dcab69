package kernel

import "context"

// Sandboxed stands in for engines that execute inside the client (for example
// pyodide in the browser). The server cannot keep such a kernel alive, so it
// never hosts daemons.
type Sandboxed struct {
	Name string
}

func (s Sandboxed) Engine() string {
	if s.Name == "" {
		return "pyodide"
	}
	return s.Name
}

func (Sandboxed) PersistentKernels() bool { return false }

func (Sandboxed) Launch(context.Context) (Handle, error) { return nil, ErrNotPersistent }
