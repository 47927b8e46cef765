package protocol

import "testing"

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *Frame
		discard bool
		wantErr bool
	}{
		{
			name: "complete frame",
			data: `{"ciphertext":"abc","nonce":"xyz","has_links":true}`,
			want: &Frame{Ciphertext: "abc", Nonce: "xyz", HasLinks: true},
		},
		{
			name: "file hint carried",
			data: `{"ciphertext":"abc","nonce":"xyz","has_files":true}`,
			want: &Frame{Ciphertext: "abc", Nonce: "xyz", HasFiles: true},
		},
		{
			name: "hint flags default false",
			data: `{"ciphertext":"abc","nonce":"xyz"}`,
			want: &Frame{Ciphertext: "abc", Nonce: "xyz"},
		},
		{
			name:    "missing ciphertext discarded",
			data:    `{"nonce":"xyz"}`,
			discard: true,
		},
		{
			name:    "missing nonce discarded",
			data:    `{"ciphertext":"abc"}`,
			discard: true,
		},
		{
			name:    "empty object discarded",
			data:    `{}`,
			discard: true,
		},
		{
			name:    "not json",
			data:    `hello`,
			wantErr: true,
		},
		{
			name:    "wrong json type",
			data:    `[1,2,3]`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFrame([]byte(tc.data))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			if tc.discard {
				if got != nil {
					t.Fatalf("expected discard, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected frame, got nil")
			}
			if *got != *tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
