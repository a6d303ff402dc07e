package dialogue

import "testing"

func TestChunker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		pushes []string
		want   []string
		rest   string
	}{
		{
			name:   "short sentence waits for flush",
			pushes: []string{"Oui. ", "D'accord."},
			rest:   "Oui. D'accord.",
		},
		{
			name:   "emits up to the last terminator",
			pushes: []string{"Bonjour! Je vérifie. Un", " instant"},
			want:   []string{"Bonjour! Je vérifie."},
			rest:   "Un instant",
		},
		{
			name:   "decimal point is not a boundary",
			pushes: []string{"Le montant est de 12.50 dollars", " seulement. Merci"},
			want:   []string{"Le montant est de 12.50 dollars seulement."},
			rest:   "Merci",
		},
		{
			name:   "terminator at end of buffer",
			pushes: []string{"Quelle date vous conviendrait?"},
			want:   []string{"Quelle date vous conviendrait?"},
		},
		{
			name:   "accented characters count as one",
			pushes: []string{"Été, hôpital, ça. "},
			rest:   "Été, hôpital, ça.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunker(0)
			var got []string
			for _, p := range tt.pushes {
				if chunk := c.Push(p); chunk != "" {
					got = append(got, chunk)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
			for i := range got {
				assertEqual(t, "chunk", got[i], tt.want[i])
			}
			assertEqual(t, "rest", c.Flush(), tt.rest)
			assertEqual(t, "after flush", c.Flush(), "")
		})
	}
}
