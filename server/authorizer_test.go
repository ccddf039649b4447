package server

import (
	"testing"

	"github.com/tallyhq/turnstile/test"
)

func TestAddUserAuthsUser(t *testing.T) {
	AddUser("foo", "bar")
	if err := DefaultAuthorizer.Authorize("foo", "bar"); err != nil {
		t.Fatalf("expected Authorize to succeed, got %v", err)
	}

	err := DefaultAuthorizer.Authorize("foo", "wrongpassword")
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	test.AssertEquals(t, err.Error(), "Incorrect password for user foo")

	err = DefaultAuthorizer.Authorize("Unknownuser", "wrongpassword")
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	test.AssertEquals(t, err.Error(), "Username or password are invalid. Please double check your credentials")
}
