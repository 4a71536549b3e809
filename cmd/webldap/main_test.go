package main

import "testing"

func TestServePurgeIsOptIn(t *testing.T) {
	root := newRootCmd()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil || serve.Name() != "serve" {
		t.Fatalf("serve command: %v", err)
	}
	flag := serve.Flags().Lookup("purge-interval")
	if flag == nil || flag.DefValue != "0s" {
		t.Fatalf("serve must not purge in-process by default: %+v", flag)
	}
	for _, name := range []string{"purge-requests", "migrate"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("%s command missing: %v", name, err)
		}
	}
}
