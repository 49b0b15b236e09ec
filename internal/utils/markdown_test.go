package utils

import "testing"

func TestExtractMarkdown(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", "  ## Market\nGrowing fast.\n", "## Market\nGrowing fast."},
		{"markdown fence", "Here is the section:\n```markdown\n## Team\nFive engineers.\n```\nLet me know.", "## Team\nFive engineers."},
		{"bare fence", "```\n## Risks\n- churn\n```", "## Risks\n- churn"},
		{"nested code kept", "```md\n## API\n```go\nfmt.Println()\n```\n```", "## API\n```go\nfmt.Println()\n```"},
		{"other language", "Intro\n```yaml\nkey: v\n```", "Intro\n```yaml\nkey: v\n```"},
		{"unclosed", "```markdown\n## Draft", "```markdown\n## Draft"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractMarkdown(tt.content); got != tt.want {
				t.Fatalf("ExtractMarkdown() = %q, want %q", got, tt.want)
			}
		})
	}
}
