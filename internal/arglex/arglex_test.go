package arglex

import (
	"reflect"
	"testing"
)

func TestLexBareProgramVector(t *testing.T) {
	res, err := Lex([]string{"--noprofile", "--net=eth0", "bash", "-c", "echo hi"})
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}

	wantTokens := []Token{
		{Kind: FlagBare, Name: "--noprofile"},
		{Kind: FlagValued, Name: "--net", Value: "eth0"},
	}
	if !reflect.DeepEqual(res.Tokens, wantTokens) {
		t.Errorf("Tokens = %+v, want %+v", res.Tokens, wantTokens)
	}

	wantProgram := []string{"bash", "-c", "echo hi"}
	if !reflect.DeepEqual(res.Program, wantProgram) {
		t.Errorf("Program = %v, want %v", res.Program, wantProgram)
	}
}

func TestLexTerminatorEndsOptionsAndIsConsumed(t *testing.T) {
	res, err := Lex([]string{"--noprofile", "--", "--looks-like-a-flag"})
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}

	if len(res.Tokens) != 2 || res.Tokens[1].Kind != Terminator {
		t.Fatalf("Tokens = %+v, want bare flag then Terminator", res.Tokens)
	}
	want := []string{"--looks-like-a-flag"}
	if !reflect.DeepEqual(res.Program, want) {
		t.Errorf("Program = %v, want %v", res.Program, want)
	}
}

func TestLexKeepVarTmpAtNonFirstPosition(t *testing.T) {
	// Regression test for the original firejail bug (main.c read argv[1]
	// unconditionally instead of the loop variable): the flag must be
	// recognized no matter where it appears in argv.
	res, err := Lex([]string{"--noprofile", "--keep-var-tmp", "ls"})
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}

	found := false
	for _, tok := range res.Tokens {
		if tok.Kind == FlagBare && tok.Name == "--keep-var-tmp" {
			found = true
		}
	}
	if !found {
		t.Errorf("Tokens = %+v, want --keep-var-tmp recognized regardless of position", res.Tokens)
	}
	if !reflect.DeepEqual(res.Program, []string{"ls"}) {
		t.Errorf("Program = %v, want [ls]", res.Program)
	}
}

func TestLexApparmorPrintPrefixExact(t *testing.T) {
	// Regression test for the original off-by-prefix-length firejail bug:
	// the whole prefix, not a truncated constant, must be stripped.
	res, err := Lex([]string{"--apparmor.print=12345"})
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}

	if len(res.Tokens) != 1 {
		t.Fatalf("Tokens = %+v, want 1 token", res.Tokens)
	}
	tok := res.Tokens[0]
	if tok.Kind != ShortCommand || tok.Name != "--apparmor.print=" || tok.Value != "12345" {
		t.Errorf("token = %+v, want ShortCommand(--apparmor.print=, 12345)", tok)
	}
}

func TestIsQueryAndExit(t *testing.T) {
	res, err := Lex([]string{"--help"})
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}
	if !IsQueryAndExit(res.Tokens[0]) {
		t.Error("IsQueryAndExit(--help) = false, want true")
	}

	res, err = Lex([]string{"--noprofile"})
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}
	if IsQueryAndExit(res.Tokens[0]) {
		t.Error("IsQueryAndExit(--noprofile) = true, want false")
	}
}

func TestLexRejectsUnknownBareFlag(t *testing.T) {
	if _, err := Lex([]string{"--totally-bogus-flag", "/bin/true"}); err == nil {
		t.Fatal("Lex() error = nil, want error for an unrecognized flag")
	}
}

func TestLexRejectsUnknownValuedFlag(t *testing.T) {
	if _, err := Lex([]string{"--totally-bogus-flag=1"}); err == nil {
		t.Fatal("Lex() error = nil, want error for an unrecognized valued flag")
	}
}
