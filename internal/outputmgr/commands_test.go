package outputmgr

import "testing"

func TestParseCommandBasic(t *testing.T) {
	cmd, ok := ParseCommand("::set-output name=version::1.2.3")
	if !ok {
		t.Fatal("expected command to parse")
	}
	if cmd.Verb != "set-output" || cmd.Properties["name"] != "version" || cmd.Message != "1.2.3" {
		t.Errorf("got %+v", cmd)
	}
}

func TestParseCommandNoProperties(t *testing.T) {
	cmd, ok := ParseCommand("::group::Build step")
	if !ok {
		t.Fatal("expected command to parse")
	}
	if cmd.Verb != "group" || len(cmd.Properties) != 0 || cmd.Message != "Build step" {
		t.Errorf("got %+v", cmd)
	}
}

func TestParseCommandMultipleProperties(t *testing.T) {
	cmd, ok := ParseCommand("::warning file=main.go,line=10,col=5::something is off")
	if !ok {
		t.Fatal("expected command to parse")
	}
	if cmd.Properties["file"] != "main.go" || cmd.Properties["line"] != "10" || cmd.Properties["col"] != "5" {
		t.Errorf("got %+v", cmd.Properties)
	}
}

func TestParseCommandDecodesMessage(t *testing.T) {
	cmd, ok := ParseCommand("::error::line one%0Aline two%0D%25done")
	if !ok {
		t.Fatal("expected command to parse")
	}
	if cmd.Message != "line one\nline two\r%done" {
		t.Errorf("Message = %q", cmd.Message)
	}
}

func TestParseCommandRejectsPlainLine(t *testing.T) {
	if _, ok := ParseCommand("just a regular log line"); ok {
		t.Fatal("expected plain line to not parse as a command")
	}
}

func TestParseCommandRejectsMissingClosingDelimiter(t *testing.T) {
	if _, ok := ParseCommand("::set-output name=foo"); ok {
		t.Fatal("expected incomplete command to fail parsing")
	}
}

func TestEncodeRoundTrips(t *testing.T) {
	msg := "line one\nline two\r100%"
	encoded := Encode(msg)
	decoded := decode(encoded)
	if decoded != msg {
		t.Errorf("round trip: got %q, want %q", decoded, msg)
	}
}
