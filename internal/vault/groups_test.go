package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func groupsOf(v *Vault) string {
	return strings.Join(v.Groups(), ",")
}

func TestCleanGroup(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"/":         "",
		"/web/":     "web",
		"a//b/../c": "a/c",
	}
	for in, want := range tests {
		if got := CleanGroup(in); got != want {
			t.Errorf("CleanGroup(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestGroupsIncludeEmptyAndAncestors(t *testing.T) {
	ctx := context.Background()
	creds := Credentials{Password: "pw"}
	v, path := createTestVault(t, creds)
	v.Put(Entry{Group: "work/dev", Title: "github"})
	if err := v.AddGroup("/archive/"); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := v.AddGroup("work"); !errors.Is(err, ErrExists) {
		t.Errorf("AddGroup(work) = %v; want ErrExists", err)
	}
	if got := groupsOf(v); got != "archive,work,work/dev" {
		t.Errorf("groups = %s", got)
	}
	if err := v.Save(ctx); err != nil {
		t.Fatal(err)
	}
	v.Close()

	reopened, err := Open(ctx, path, creds)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got := groupsOf(reopened); got != "archive,work,work/dev" {
		t.Errorf("groups after reopen = %s", got)
	}
}

func TestRenameGroupMovesEntriesAndSubgroups(t *testing.T) {
	v, _ := createTestVault(t, Credentials{Password: "pw"})
	v.Put(Entry{Group: "work", Title: "mail"})
	v.Put(Entry{Group: "work/dev", Title: "github"})
	v.Put(Entry{Group: "workshop", Title: "saw"})
	if err := v.AddGroup("work/empty"); err != nil {
		t.Fatal(err)
	}

	if err := v.RenameGroup("work", "old/job"); err != nil {
		t.Fatalf("RenameGroup: %v", err)
	}
	var paths []string
	for _, e := range v.Entries() {
		paths = append(paths, e.Path())
	}
	if got := strings.Join(paths, ","); got != "old/job/dev/github,old/job/mail,workshop/saw" {
		t.Errorf("entries = %s", got)
	}
	if got := groupsOf(v); got != "old,old/job,old/job/dev,old/job/empty,workshop" {
		t.Errorf("groups = %s", got)
	}

	if err := v.RenameGroup("old", "old/job/inner"); err == nil {
		t.Error("moving a group into itself succeeded")
	}
	if err := v.RenameGroup("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RenameGroup(missing) = %v", err)
	}
	if err := v.RenameGroup("old", "workshop"); !errors.Is(err, ErrExists) {
		t.Errorf("RenameGroup onto existing = %v", err)
	}
}

func TestDeleteGroupRemovesEntries(t *testing.T) {
	ctx := context.Background()
	creds := Credentials{Password: "pw"}
	v, path := createTestVault(t, creds)
	v.Put(Entry{Group: "trash", Title: "a"})
	v.Put(Entry{Group: "trash/deep", Title: "b"})
	v.Put(Entry{Group: "keep", Title: "c"})
	if err := v.Save(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := v.DeleteGroup("trash")
	if err != nil || n != 2 {
		t.Fatalf("DeleteGroup = %d, %v", n, err)
	}
	if err := v.Save(ctx); err != nil {
		t.Fatal(err)
	}
	v.Close()

	reopened, err := Open(ctx, path, creds)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if entries := reopened.Entries(); len(entries) != 1 || entries[0].Title != "c" {
		t.Errorf("entries = %+v", entries)
	}
	if got := groupsOf(reopened); got != "keep" {
		t.Errorf("groups = %s", got)
	}
}

func TestSearch(t *testing.T) {
	v, _ := createTestVault(t, Credentials{Password: "pw"})
	v.Put(Entry{Group: "dev", Title: "github", Username: "octo"})
	v.Put(Entry{Group: "dev", Title: "gitlab"})
	v.Put(Entry{Title: "bank"})

	if got := v.Search("git"); len(got) != 2 {
		t.Errorf("Search(git) = %d entries; want 2", len(got))
	}
	e, err := One("octo", v.Search("octo"))
	if err != nil || e.Title != "github" {
		t.Errorf("One(octo) = %+v, %v", e, err)
	}
}
