package codeblock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		lang   string
		want   string
		wantOK bool
	}{
		{
			name:   "single block",
			text:   "Here you go:\n```python\nprint('hi')\n```\nDone.",
			lang:   "python",
			want:   "print('hi')",
			wantOK: true,
		},
		{
			name:   "first block wins",
			text:   "```python\na = 1\n```\nand\n```python\nb = 2\n```",
			lang:   "python",
			want:   "a = 1",
			wantOK: true,
		},
		{
			name:   "multi-line interior keeps inner newlines",
			text:   "```python\n\nimport math\n\nprint(math.pi)\n\n```",
			lang:   "python",
			want:   "import math\n\nprint(math.pi)",
			wantOK: true,
		},
		{
			name:   "unclosed fence runs to end",
			text:   "```python\nx = 42\nprint(x)",
			lang:   "python",
			want:   "x = 42\nprint(x)",
			wantOK: true,
		},
		{
			name:   "other language ignored",
			text:   "```bash\nls\n```",
			lang:   "python",
			wantOK: false,
		},
		{
			name:   "bare fence is not a python fence",
			text:   "```\nprint(1)\n```",
			lang:   "python",
			wantOK: false,
		},
		{
			name:   "python3 marker still matches prefix",
			text:   "```python3\nprint(3)\n```",
			lang:   "python",
			want:   "3\nprint(3)",
			wantOK: true,
		},
		{
			name:   "empty block",
			text:   "```python\n```",
			lang:   "python",
			want:   "",
			wantOK: true,
		},
		{
			name:   "empty text",
			text:   "",
			lang:   "python",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.text, tt.lang)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPython_FallsBackToRawText(t *testing.T) {
	answer := "The result of 2 + 2 is 4."
	assert.Equal(t, answer, Python(answer))
}

func TestPython_ExtractsInterior(t *testing.T) {
	answer := "I ran this:\n```python\nprint(sum(range(10)))\n```\nIt printed 45."
	assert.Equal(t, "print(sum(range(10)))", Python(answer))
}
