package chat

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// EditSummary describes how an edit changed a message, counted in runes.
type EditSummary struct {
	Inserted int
	Deleted  int
}

func (e EditSummary) String() string {
	return fmt.Sprintf("+%d -%d", e.Inserted, e.Deleted)
}

// SummarizeEdit diffs the old and new content of an edited message.
func SummarizeEdit(before, after string) EditSummary {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var s EditSummary

	for _, d := range diffs {
		n := len([]rune(d.Text))

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			s.Inserted += n
		case diffmatchpatch.DiffDelete:
			s.Deleted += n
		case diffmatchpatch.DiffEqual:
		}
	}

	return s
}
