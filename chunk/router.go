package chunk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"fleetnet/errdefs"
)

// Router picks the Factory of a session by its transfer channel name.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Factory
	fallback Factory
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Factory)}
}

// Handle routes sessions of transferChannel to f, replacing any earlier route.
func (r *Router) Handle(transferChannel string, f Factory) *Router {
	r.mu.Lock()
	r.routes[transferChannel] = f
	r.mu.Unlock()
	return r
}

// Remove drops the route of transferChannel.
func (r *Router) Remove(transferChannel string) {
	r.mu.Lock()
	delete(r.routes, transferChannel)
	r.mu.Unlock()
}

// Fallback handles sessions no route matches. Without one they are refused.
func (r *Router) Fallback(f Factory) *Router {
	r.mu.Lock()
	r.fallback = f
	r.mu.Unlock()
	return r
}

// Factory is the Factory to pass to NewListener.
func (r *Router) Factory(info SessionInformation) (Handler, error) {
	r.mu.RLock()
	f, ok := r.routes[info.TransferChannel]
	if !ok {
		f = r.fallback
	}
	r.mu.RUnlock()
	if f == nil {
		return nil, errdefs.Errorf(errdefs.KindNotFound, "chunk route", "no handler for transfer channel %q", info.TransferChannel)
	}
	return f(info)
}

// FileHandler returns a Factory writing every session to a file in dir named
// after its session id. The file appears only once the transfer completed.
func FileHandler(dir string) Factory {
	return func(info SessionInformation) (Handler, error) {
		return fileHandler{path: filepath.Join(dir, info.SessionID.String())}, nil
	}
}

type fileHandler struct {
	path string
}

func (h fileHandler) Complete(_ SessionInformation, data io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".chunk-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", h.path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), h.path)
}

func (fileHandler) Fail(SessionInformation, error) {}
