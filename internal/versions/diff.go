package versions

import (
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type ChangeType string

const (
	ChangeAddition     ChangeType = "addition"
	ChangeDeletion     ChangeType = "deletion"
	ChangeModification ChangeType = "modification"
)

// Change is one line-level hunk. Position is the zero-based line offset in the
// earlier of the two compared versions.
type Change struct {
	Type      ChangeType `json:"type"`
	Content   string     `json:"content"`
	Previous  string     `json:"previous,omitempty"`
	Position  int        `json:"position"`
	Author    string     `json:"author"`
	Timestamp time.Time  `json:"timestamp"`
}

// lineChanges diffs before against after line by line. A deletion directly
// followed by an insertion (either order) is reported as one modification.
func lineChanges(before, after, author string, at time.Time) []Change {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	changes := make([]Change, 0)
	position := 0
	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			position += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				changes = append(changes, Change{Type: ChangeModification, Content: diffs[i+1].Text, Previous: d.Text, Position: position, Author: author, Timestamp: at})
				i++
			} else {
				changes = append(changes, Change{Type: ChangeDeletion, Content: d.Text, Position: position, Author: author, Timestamp: at})
			}
			position += countLines(d.Text)
		case diffmatchpatch.DiffInsert:
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffDelete {
				removed := diffs[i+1].Text
				changes = append(changes, Change{Type: ChangeModification, Content: d.Text, Previous: removed, Position: position, Author: author, Timestamp: at})
				position += countLines(removed)
				i++
			} else {
				changes = append(changes, Change{Type: ChangeAddition, Content: d.Text, Position: position, Author: author, Timestamp: at})
			}
		}
	}
	return changes
}

func invertChanges(changes []Change) []Change {
	inverted := make([]Change, 0, len(changes))
	for _, change := range changes {
		switch change.Type {
		case ChangeAddition:
			change.Type = ChangeDeletion
		case ChangeDeletion:
			change.Type = ChangeAddition
		case ChangeModification:
			change.Content, change.Previous = change.Previous, change.Content
		}
		inverted = append(inverted, change)
	}
	return inverted
}

type changeCounts struct {
	additions     int
	deletions     int
	modifications int
}

func countChanges(changes []Change) changeCounts {
	var counts changeCounts
	for _, change := range changes {
		switch change.Type {
		case ChangeAddition:
			counts.additions++
		case ChangeDeletion:
			counts.deletions++
		case ChangeModification:
			counts.modifications++
		}
	}
	return counts
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
