package prepared

import "testing"

func TestGlobal_InternDedup(t *testing.T) {
	g := NewGlobal()
	a := g.Intern("SELECT 1")
	b := g.Intern("SELECT 1")
	if a != b {
		t.Fatalf("same text interned to different names: %q vs %q", a, b)
	}
	c := g.Intern("SELECT 2")
	if c == a {
		t.Fatalf("different text interned to the same name: %q", c)
	}
	if g.Size() != 2 {
		t.Errorf("Size() = %d, want 2", g.Size())
	}
}

func TestClientNames_ParseAndResolve(t *testing.T) {
	c := NewClientNames()
	c.Parse("stmt1", "__pgdog_1", "SELECT 1")

	name, err := c.ResolveStatement("stmt1")
	if err != nil {
		t.Fatalf("ResolveStatement: %v", err)
	}
	if name != "__pgdog_1" {
		t.Errorf("ResolveStatement = %q, want __pgdog_1", name)
	}

	text, err := c.Text("stmt1")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "SELECT 1" {
		t.Errorf("Text = %q", text)
	}
}

func TestClientNames_MissingStatement(t *testing.T) {
	c := NewClientNames()
	if _, err := c.ResolveStatement("nope"); err == nil {
		t.Fatal("expected error for unregistered statement name")
	}
}

func TestClientNames_PortalLifecycle(t *testing.T) {
	c := NewClientNames()
	c.Parse("stmt1", "__pgdog_1", "SELECT 1")
	c.BindPortal("portal1", "__pgdog_1")

	name, err := c.ResolvePortal("portal1")
	if err != nil {
		t.Fatalf("ResolvePortal: %v", err)
	}
	if name != "__pgdog_1" {
		t.Errorf("ResolvePortal = %q, want __pgdog_1", name)
	}

	c.ClosePortal("portal1")
	if _, err := c.ResolvePortal("portal1"); err == nil {
		t.Fatal("expected error after ClosePortal")
	}
}

func TestClientNames_CloseStatementClearsPortals(t *testing.T) {
	c := NewClientNames()
	c.Parse("stmt1", "__pgdog_1", "SELECT 1")
	c.BindPortal("portal1", "__pgdog_1")

	c.CloseStatement("stmt1")

	if _, err := c.ResolveStatement("stmt1"); err == nil {
		t.Fatal("expected error after CloseStatement")
	}
	if _, err := c.ResolvePortal("portal1"); err == nil {
		t.Fatal("expected portal bound from closed statement to be removed")
	}
}

func TestServerSide_KnownAndReset(t *testing.T) {
	s := NewServerSide()
	if s.Known("__pgdog_1") {
		t.Fatal("fresh ServerSide should know nothing")
	}
	s.MarkParsed("__pgdog_1")
	if !s.Known("__pgdog_1") {
		t.Fatal("expected __pgdog_1 to be known after MarkParsed")
	}
	s.Reset()
	if s.Known("__pgdog_1") {
		t.Fatal("expected Reset to clear parsed state")
	}
}
