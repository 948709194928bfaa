package commentsync

import (
	"errors"
	"testing"
)

func TestResolveTopic(t *testing.T) {
	tests := []struct {
		name      string
		kind      ContentKind
		contentID string
		want      string
		wantErr   bool
	}{
		{name: "post", kind: KindPost, contentID: "p-42", want: "topic/post/p-42/comments"},
		{name: "course", kind: KindCourse, contentID: "cs101", want: "topic/course/cs101/comments"},
		{name: "unsupported kind", kind: ContentKind("page"), contentID: "p-42", wantErr: true},
		{name: "empty id", kind: KindPost, contentID: "", wantErr: true},
		{name: "padded id", kind: KindPost, contentID: " p-42", wantErr: true},
		{name: "slash in id", kind: KindPost, contentID: "a/b", wantErr: true},
		{name: "space in id", kind: KindPost, contentID: "a b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveTopic(tt.kind, tt.contentID)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Fatalf("ResolveTopic() error = %v, want ErrInvalidTarget", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveTopic() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ResolveTopic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveTopicDeterministic(t *testing.T) {
	a, err := ResolveTopic(KindPost, "p-1")
	if err != nil {
		t.Fatalf("ResolveTopic() error = %v", err)
	}
	b, err := ResolveTopic(KindPost, "p-1")
	if err != nil {
		t.Fatalf("ResolveTopic() error = %v", err)
	}
	if a != b {
		t.Fatalf("topics differ for equal inputs: %q vs %q", a, b)
	}
}

func TestScopeKey(t *testing.T) {
	if got, want := ScopeKey(KindCourse, "cs101"), "course:cs101"; got != want {
		t.Fatalf("ScopeKey() = %q, want %q", got, want)
	}
	if ScopeKey(KindPost, "x") == ScopeKey(KindCourse, "x") {
		t.Fatal("scope keys for different kinds must not collide")
	}
}
