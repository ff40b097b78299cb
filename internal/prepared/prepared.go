// Package prepared implements the global prepared-statement dedup
// table and per-client/per-server name translation: every distinct
// statement text shares one internal name across all clients and
// backends, regardless of which client name it was prepared under.
package prepared

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pgdog/pgdog/internal/metrics"
)

// ErrMissingPreparedStatement is returned when a client references a
// statement or portal name that was never interned.
var ErrMissingPreparedStatement = errors.New("prepared statement not found")

// Global is the process-wide text-to-internal-name dedup table.
// Additions are monotonic; entries are only removed on process exit.
type Global struct {
	mu      sync.RWMutex
	byText  map[string]string
	counter int64
}

// NewGlobal constructs an empty global prepared-statement table.
func NewGlobal() *Global {
	return &Global{byText: make(map[string]string)}
}

// Intern returns the internal name for a statement text, creating one
// if this text has never been seen before.
func (g *Global) Intern(text string) string {
	g.mu.RLock()
	if name, ok := g.byText[text]; ok {
		g.mu.RUnlock()
		return name
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if name, ok := g.byText[text]; ok {
		return name
	}
	n := atomic.AddInt64(&g.counter, 1)
	name := fmt.Sprintf("__pgdog_%d", n)
	g.byText[text] = name
	metrics.PreparedStatementsGlobal.Set(float64(len(g.byText)))
	return name
}

// Size returns the number of distinct interned statement texts.
func (g *Global) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byText)
}

// ClientNames tracks the client-visible statement and portal names
// for one connection, mapping each to the shared internal name.
type ClientNames struct {
	mu         sync.Mutex
	statements map[string]clientEntry
	portals    map[string]string
}

type clientEntry struct {
	internalName string
	text         string
}

// NewClientNames constructs an empty per-client translation table.
func NewClientNames() *ClientNames {
	return &ClientNames{
		statements: make(map[string]clientEntry),
		portals:    make(map[string]string),
	}
}

// Parse records that the client prepared `clientName` for `text`,
// which interns into `internalName` in the global table.
func (c *ClientNames) Parse(clientName, internalName, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements[clientName] = clientEntry{internalName: internalName, text: text}
}

// ResolveStatement translates a client-visible statement name (as
// used by Bind, Describe(S, ...), Close(S, ...)) to its internal
// name, returning ErrMissingPreparedStatement if it was never
// registered with Parse.
func (c *ClientNames) ResolveStatement(clientName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.statements[clientName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingPreparedStatement, clientName)
	}
	return entry.internalName, nil
}

// Text returns the statement text registered for a client-visible
// name, used to route a Bind by the statement's text.
func (c *ClientNames) Text(clientName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.statements[clientName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingPreparedStatement, clientName)
	}
	return entry.text, nil
}

// BindPortal associates a client-visible portal name with the
// internal statement name it was bound from.
func (c *ClientNames) BindPortal(portalName, internalStatementName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portals[portalName] = internalStatementName
}

// ResolvePortal translates a client-visible portal name (as used by
// Execute, Describe(P, ...), Close(P, ...)) to the internal statement
// name it is bound to.
func (c *ClientNames) ResolvePortal(portalName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.portals[portalName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingPreparedStatement, portalName)
	}
	return name, nil
}

// CloseStatement removes a statement and any portals bound from it,
// mirroring the client's Close(S, statement) message; the global
// intern entry itself is left alone per the monotonic-table
// invariant.
func (c *ClientNames) CloseStatement(clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.statements[clientName]
	if !ok {
		return
	}
	for portal, stmt := range c.portals {
		if stmt == entry.internalName {
			delete(c.portals, portal)
		}
	}
	delete(c.statements, clientName)
}

// ClosePortal removes a single portal binding.
func (c *ClientNames) ClosePortal(portalName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.portals, portalName)
}

// ServerSide tracks which internal statement names a single backend
// connection has already had Parse'd against it, so the engine can
// inject a fresh Parse before a Bind targeting a name the server
// hasn't seen yet.
type ServerSide struct {
	mu     sync.Mutex
	parsed map[string]bool
}

// NewServerSide constructs an empty per-server parsed-name tracker.
func NewServerSide() *ServerSide {
	return &ServerSide{parsed: make(map[string]bool)}
}

// Known reports whether this server connection has already parsed
// the given internal statement name.
func (s *ServerSide) Known(internalName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parsed[internalName]
}

// MarkParsed records that the server connection has now parsed the
// given internal statement name.
func (s *ServerSide) MarkParsed(internalName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed[internalName] = true
}

// Reset clears all parsed-name tracking, used when a connection is
// returned to the pool and its session state is scrubbed.
func (s *ServerSide) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed = make(map[string]bool)
}
