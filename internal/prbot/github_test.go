package prbot

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
)

// stubGH writes a fake gh that logs its arguments and environment and prints output.
func stubGH(t *testing.T, output string, exitCode int) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "gh")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do echo \"$a\" >> " + argsFile + "; done\n" +
		"echo \"GH_TOKEN=$GH_TOKEN\" >> " + argsFile + "\n" +
		"printf '%s' '" + output + "'\n" +
		"echo 'stderr from gh' >&2\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func testPRRequest(t *testing.T) PRRequest {
	return PRRequest{
		Repo:  domain.Repository{Owner: "acme", Name: "api", Branch: "main"},
		Dir:   t.TempDir(),
		Head:  "task/7",
		Base:  "main",
		Title: "Task 7",
		Body:  "Automated changes by Ada",
		Token: "ghs_secret",
	}
}

func TestGHCreator_CreatePR(t *testing.T) {
	bin, argsFile := stubGH(t, "Creating pull request for task/7 into main\nhttps://github.com/acme/api/pull/12\n", 0)
	gh := &GHCreator{Binary: bin}

	url, err := gh.CreatePR(context.Background(), testPRRequest(t))
	if err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if url != "https://github.com/acme/api/pull/12" {
		t.Errorf("url = %q", url)
	}

	args := strings.Join(readArgs(t, argsFile), " ")
	for _, want := range []string{
		"pr create",
		"--repo acme/api",
		"--head task/7",
		"--base main",
		"--title Task 7",
		"GH_TOKEN=ghs_secret",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestGHCreator_FindPR(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"open PR", "https://github.com/acme/api/pull/3\n", "https://github.com/acme/api/pull/3"},
		{"none", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, _ := stubGH(t, tt.output, 0)
			gh := &GHCreator{Binary: bin}

			got, err := gh.FindPR(context.Background(), testPRRequest(t))
			if err != nil {
				t.Fatalf("FindPR: %v", err)
			}
			if got != tt.want {
				t.Errorf("FindPR = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGHCreator_Failure(t *testing.T) {
	bin, _ := stubGH(t, "", 1)
	gh := &GHCreator{Binary: bin}

	_, err := gh.CreatePR(context.Background(), testPRRequest(t))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "stderr from gh") {
		t.Errorf("error should carry stderr, got %v", err)
	}
}

func TestGHCreator_NoURLInOutput(t *testing.T) {
	bin, _ := stubGH(t, "something unexpected", 0)
	gh := &GHCreator{Binary: bin}

	if _, err := gh.CreatePR(context.Background(), testPRRequest(t)); err == nil {
		t.Error("expected error when gh prints no URL")
	}
}

func TestExtractPRURL(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{"https://github.com/org/repo/pull/123", "https://github.com/org/repo/pull/123"},
		{"Warning: 1 uncommitted change\nhttps://github.com/org/repo/pull/5\n", "https://github.com/org/repo/pull/5"},
		{"", ""},
		{"no url here", ""},
	}

	for _, tt := range tests {
		if got := extractPRURL(tt.out); got != tt.want {
			t.Errorf("extractPRURL(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}
