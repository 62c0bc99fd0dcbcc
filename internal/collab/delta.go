package collab

import (
	"docflow/api/internal/apperr"
)

// Delta is one edit against the working copy: either a full replacement or a
// splice at a rune offset.
type Delta struct {
	Replace *string `json:"replace,omitempty"`
	Offset  int     `json:"offset"`
	Delete  int     `json:"delete"`
	Insert  string  `json:"insert"`
}

func (d Delta) apply(content []rune) ([]rune, error) {
	if d.Replace != nil {
		return []rune(*d.Replace), nil
	}
	if d.Offset < 0 || d.Delete < 0 {
		return nil, apperr.New(apperr.ErrValidation, "offset and delete must not be negative")
	}
	if d.Offset > len(content) || d.Delete > len(content)-d.Offset {
		return nil, apperr.WithDetails(apperr.ErrValidation, "edit range is outside the document", map[string]any{
			"offset": d.Offset,
			"delete": d.Delete,
			"length": len(content),
		})
	}
	insert := []rune(d.Insert)
	out := make([]rune, 0, len(content)-d.Delete+len(insert))
	out = append(out, content[:d.Offset]...)
	out = append(out, insert...)
	out = append(out, content[d.Offset+d.Delete:]...)
	return out, nil
}

func (d Delta) empty() bool {
	return d.Replace == nil && d.Delete == 0 && d.Insert == ""
}
