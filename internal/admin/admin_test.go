package admin

import (
	"path/filepath"
	"testing"
)

func TestNoSecretLocksOut(t *testing.T) {
	t.Parallel()
	a, err := Load(filepath.Join(t.TempDir(), "admin.txt"), "")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if a.Configured() {
		t.Fatal("expected no secret configured")
	}
	if _, ok, err := a.Add("u1", ""); ok || err != nil {
		t.Fatalf("Add with no secret = %v, %v", ok, err)
	}
	if _, ok, err := a.Add("u1", "anything"); ok || err != nil {
		t.Fatalf("Add with guessed secret = %v, %v", ok, err)
	}
	if ok, _ := a.Remove("anything"); ok {
		t.Fatal("Remove must fail without a secret")
	}
}

func TestAddReplacesCurrentAdmin(t *testing.T) {
	t.Parallel()
	a, err := Load(filepath.Join(t.TempDir(), "admin.txt"), "s3cret")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	prev, ok, err := a.Add("u1", "s3cret")
	if err != nil || !ok || prev != "" {
		t.Fatalf("Add u1 = %q, %v, %v", prev, ok, err)
	}
	prev, ok, err = a.Add("u2", "s3cret")
	if err != nil || !ok || prev != "u1" {
		t.Fatalf("Add u2 = %q, %v, %v", prev, ok, err)
	}
	if !a.IsAdmin("u2") || a.IsAdmin("u1") {
		t.Fatal("u2 should have replaced u1")
	}
	if _, ok, _ := a.Add("u3", "wrong"); ok {
		t.Fatal("wrong secret accepted")
	}
	if id, _ := a.AdminID(); id != "u2" {
		t.Fatalf("AdminID = %q after failed add", id)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	a, err := Load(filepath.Join(t.TempDir(), "admin.txt"), "pw")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if _, ok, _ := a.Add("u1", "pw"); !ok {
		t.Fatal("Add failed")
	}
	if ok, _ := a.Remove("nope"); ok {
		t.Fatal("Remove with wrong secret succeeded")
	}
	if ok, err := a.Remove("pw"); !ok || err != nil {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	if _, has := a.AdminID(); has {
		t.Fatal("admin still set after Remove")
	}
}

func TestBootSecretRotatesHashKeepsAdmin(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "admin.txt")
	a, err := Load(path, "old")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if _, ok, _ := a.Add("u1", "old"); !ok {
		t.Fatal("Add failed")
	}

	rotated, err := Load(path, "new")
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if !rotated.IsAdmin("u1") {
		t.Fatal("admin id lost on rotation")
	}
	if _, ok, _ := rotated.Add("u2", "old"); ok {
		t.Fatal("old secret still accepted after rotation")
	}

	kept, err := Load(path, "")
	if err != nil {
		t.Fatalf("reload without secret: %v", err)
	}
	if !kept.Configured() || !kept.IsAdmin("u1") {
		t.Fatal("stored hash or admin not loaded")
	}
	if _, ok, _ := kept.Add("u2", "new"); !ok {
		t.Fatal("rotated secret not accepted")
	}
}
