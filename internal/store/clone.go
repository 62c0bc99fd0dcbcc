package store

func clonePermission(p Permission) Permission {
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		p.ExpiresAt = &t
	}
	if p.RevokedAt != nil {
		t := *p.RevokedAt
		p.RevokedAt = &t
	}
	if p.Conditions != nil {
		c := *p.Conditions
		c.IPAllowList = append([]string(nil), c.IPAllowList...)
		c.Devices = append([]string(nil), c.Devices...)
		if c.TimeWindow != nil {
			w := *c.TimeWindow
			w.Days = append(w.Days[:0:0], w.Days...)
			c.TimeWindow = &w
		}
		p.Conditions = &c
	}
	return p
}

func clonePermissionPtr(p Permission) *Permission {
	c := clonePermission(p)
	return &c
}

func cloneVersion(v DocumentVersion) DocumentVersion {
	v.Tags = append(make([]string, 0, len(v.Tags)), v.Tags...)
	return v
}

func cloneComment(c Comment) Comment {
	c.Mentions = append(make([]string, 0, len(c.Mentions)), c.Mentions...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	replies := make([]Reply, 0, len(c.Replies))
	for _, reply := range c.Replies {
		reply.Mentions = append(make([]string, 0, len(reply.Mentions)), reply.Mentions...)
		replies = append(replies, reply)
	}
	c.Replies = replies
	c.Transitions = append(make([]CommentTransition, 0, len(c.Transitions)), c.Transitions...)
	return c
}

func cloneWorkflow(w Workflow) Workflow {
	steps := make([]WorkflowStep, 0, len(w.Steps))
	for _, step := range w.Steps {
		step.Assignees = append(make([]string, 0, len(step.Assignees)), step.Assignees...)
		step.Approvals = append(make([]Approval, 0, len(step.Approvals)), step.Approvals...)
		if step.DueDate != nil {
			t := *step.DueDate
			step.DueDate = &t
		}
		steps = append(steps, step)
	}
	w.Steps = steps
	if w.Deadline != nil {
		t := *w.Deadline
		w.Deadline = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		w.CompletedAt = &t
	}
	return w
}

// CloneWorkflow returns a deep copy so callers can mutate steps freely.
func CloneWorkflow(w Workflow) Workflow {
	return cloneWorkflow(w)
}

func mergeTags(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, tag := range append(append([]string(nil), existing...), added...) {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
