package slash

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		kind string
		name string
		args string
	}{
		{"hello", KindNotSlash, "", ""},
		{"// not a command", KindNotSlash, "", ""},
		{"//", KindNotSlash, "", ""},
		{"/", KindInvalid, "", ""},
		{"/ grep", KindInvalid, "", ""},
		{"/p!ng", KindInvalid, "", ""},
		{"/new", KindSlash, "new", ""},
		{"/tts hello world", KindSlash, "tts", "hello world"},
		{"  /plan   build a thing  ", KindSlash, "plan", "build a thing"},
	}
	for _, tc := range cases {
		p := Parse(tc.in)
		if p.Kind != tc.kind || p.CommandName != tc.name || p.Args != tc.args {
			t.Fatalf("Parse(%q) = %+v, want kind=%s name=%q args=%q", tc.in, p, tc.kind, tc.name, tc.args)
		}
	}
}

func TestNormalizeMentionSuffix(t *testing.T) {
	cases := []struct {
		in, bot, want string
	}{
		{"/new@rho_bot", "rho_bot", "/new"},
		{"/tts@Rho_Bot say hi", "rho_bot", "/tts say hi"},
		{"/new@other_bot", "rho_bot", "/new@other_bot"},
		{"/new", "rho_bot", "/new"},
		{"//new@rho_bot", "rho_bot", "//new@rho_bot"},
		{"plain text", "rho_bot", "plain text"},
		{"/new@rho_bot", "", "/new@rho_bot"},
	}
	for _, tc := range cases {
		if got := NormalizeMentionSuffix(tc.in, tc.bot); got != tc.want {
			t.Fatalf("NormalizeMentionSuffix(%q, %q) = %q, want %q", tc.in, tc.bot, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	inventory := map[string]InventoryEntry{
		"planning-with-files": {Name: "planning-with-files", Source: "skill"},
		"deep-coder":          {Name: "deep-coder", Source: "skill"},
		"review":              {Name: "review", Source: "prompt"},
		"pair":                {Name: "pair", Source: "extension", Interactive: true},
	}
	interactiveOnly := map[string]bool{"login": true}

	cases := []struct {
		in    string
		class string
		name  string
	}{
		{"just words", ClassNotSlash, ""},
		{"/", ClassInvalid, ""},
		{"/plan make a plan", ClassSupported, "planning-with-files"},
		{"/code", ClassSupported, "deep-coder"},
		{"/review", ClassSupported, "review"},
		{"/pair", ClassInteractiveOnly, "pair"},
		{"/login", ClassInteractiveOnly, "login"},
		{"/nonexistent", ClassUnsupported, "nonexistent"},
	}
	for _, tc := range cases {
		c := Classify(tc.in, inventory, interactiveOnly)
		if c.Class != tc.class || c.Name != tc.name {
			t.Fatalf("Classify(%q) = %+v, want class=%s name=%q", tc.in, c, tc.class, tc.name)
		}
	}
}

func TestLocalAndBackground(t *testing.T) {
	for _, name := range []string{"new", "tts", "jobs", "job", "cancel"} {
		if !IsLocal(name) {
			t.Fatalf("IsLocal(%q) = false", name)
		}
	}
	if IsLocal("plan") {
		t.Fatal("plan should not be local")
	}
	for _, name := range []string{"plan", "code", "sop"} {
		if !BackgroundEligible(name) {
			t.Fatalf("BackgroundEligible(%q) = false", name)
		}
	}
	if BackgroundEligible("review") {
		t.Fatal("review should not be background eligible")
	}
}
