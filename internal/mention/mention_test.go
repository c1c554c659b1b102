package mention

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"bulletin/api/internal/store"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		content string
		want    []string
	}{
		{content: "@pastor please review", want: []string{"pastor"}},
		{content: "hi @ana and @Ana and @ANA", want: []string{"ana"}},
		{content: "mail me at ana@example.com", want: []string{}},
		{content: "(@media) ready? @translator-", want: []string{"media", "translator"}},
		{content: "@@double", want: []string{}},
		{content: "no mentions", want: []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.content, func(t *testing.T) {
			got := Extract(tc.content)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Extract(%q) = %v, want %v", tc.content, got, tc.want)
			}
		})
	}
}

type fakeFinder struct {
	users map[string]store.User
	calls [][]string
	err   error
}

func (f *fakeFinder) FindUsersByUsername(_ context.Context, names []string) (map[string]store.User, error) {
	f.calls = append(f.calls, names)
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]store.User{}
	for _, n := range names {
		if u, ok := f.users[strings.ToLower(n)]; ok {
			out[strings.ToLower(n)] = u
		}
	}
	return out, nil
}

func TestResolve(t *testing.T) {
	finder := &fakeFinder{users: map[string]store.User{
		"ben": {ID: "usr_ben", Username: "ben"},
	}}

	targets, err := Resolve(context.Background(), finder, []string{"Pastor", "ben", "ghost"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}

	if targets[0].Kind != RoleMention || targets[0].Room() != "pastor" {
		t.Fatalf("unexpected role target %+v", targets[0])
	}
	if targets[1].Kind != UserMention || targets[1].Room() != "user-usr_ben" {
		t.Fatalf("unexpected user target %+v", targets[1])
	}
	if targets[2].Kind != Unresolved || targets[2].Room() != "" {
		t.Fatalf("unexpected unresolved target %+v", targets[2])
	}
	if tag := targets[2].Tag(); tag.Type != store.MentionUnresolved || tag.Value != "ghost" {
		t.Fatalf("unexpected tag %+v", tag)
	}
	if len(finder.calls) != 1 || !reflect.DeepEqual(finder.calls[0], []string{"ben", "ghost"}) {
		t.Fatalf("role tokens must not hit the user lookup: %v", finder.calls)
	}
}

func TestResolveRolesOnlySkipsLookup(t *testing.T) {
	finder := &fakeFinder{err: errors.New("should not be called")}
	targets, err := Resolve(context.Background(), finder, []string{"media"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(finder.calls) != 0 || targets[0].Kind != RoleMention {
		t.Fatalf("unexpected result %+v calls=%v", targets, finder.calls)
	}
}
