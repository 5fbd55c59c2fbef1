package cli

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestRootCmdRegistersSubcommands(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"serve", "run", "reply", "listen", "hash-token"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected subcommand %q, got %v (%v)", name, cmd, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatal("expected --config flag")
	}
	run, _, _ := root.Find([]string{"run"})
	if run.Flags().Lookup("dry-run") == nil {
		t.Fatal("expected --dry-run on run")
	}
	listen, _, _ := root.Find([]string{"listen"})
	if listen.Flags().Lookup("notion") == nil {
		t.Fatal("expected --notion on listen")
	}
}

func TestHashTokenCmd(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"hash-token", "s3cret"})
	if err := root.Execute(); err != nil {
		t.Fatalf("hash-token failed: %v", err)
	}

	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("printed hash does not match token: %v", err)
	}

	root = NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"hash-token"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without token argument")
	}
}
