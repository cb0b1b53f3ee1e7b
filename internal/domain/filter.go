package domain

import "time"

// TagMode selects how a tag query matches a job's tag list.
type TagMode string

const (
	// TagExact matches jobs whose tag list equals the queried list.
	TagExact TagMode = "exact"
	// TagAll matches jobs whose tags are a superset of the queried values.
	TagAll TagMode = "all"
	// TagAny matches jobs sharing at least one tag with the queried values.
	TagAny TagMode = "any"
	// TagNone matches jobs sharing no tag with the queried values.
	TagNone TagMode = "none"
)

// TagQuery filters jobs by tag containment.
type TagQuery struct {
	Values []string
	Mode   TagMode
}

// Matches evaluates the query against a job's tags.
func (q TagQuery) Matches(tags []string) bool {
	switch q.Mode {
	case TagExact:
		if len(tags) != len(q.Values) {
			return false
		}
		for i, v := range q.Values {
			if tags[i] != v {
				return false
			}
		}
		return true
	case TagAll:
		for _, v := range q.Values {
			if !containsTag(tags, v) {
				return false
			}
		}
		return true
	case TagAny:
		for _, v := range q.Values {
			if containsTag(tags, v) {
				return true
			}
		}
		return false
	case TagNone:
		for _, v := range q.Values {
			if containsTag(tags, v) {
				return false
			}
		}
		return true
	}
	return false
}

func containsTag(tags []string, v string) bool {
	for _, t := range tags {
		if t == v {
			return true
		}
	}
	return false
}

// TimeFilter applies comparison operators to an instant. A zero filter
// matches everything. Eq takes precedence when set together with ranges.
type TimeFilter struct {
	Gt  *time.Time
	Gte *time.Time
	Lt  *time.Time
	Lte *time.Time
	Eq  *time.Time
}

// Matches evaluates the filter against t.
func (f TimeFilter) Matches(t time.Time) bool {
	if f.Eq != nil && !t.Equal(*f.Eq) {
		return false
	}
	if f.Gt != nil && !t.After(*f.Gt) {
		return false
	}
	if f.Gte != nil && t.Before(*f.Gte) {
		return false
	}
	if f.Lt != nil && !t.Before(*f.Lt) {
		return false
	}
	if f.Lte != nil && t.After(*f.Lte) {
		return false
	}
	return true
}

// JobFilter selects jobs for listing and bulk operations. Zero-value fields
// are ignored.
type JobFilter struct {
	JobType  string
	Priority *int
	RunAt    *TimeFilter
	Tags     *TagQuery
	Statuses []Status
}

// Matches evaluates the filter against a job.
func (f JobFilter) Matches(j *Job) bool {
	if f.JobType != "" && j.JobType != f.JobType {
		return false
	}
	if f.Priority != nil && j.Priority != *f.Priority {
		return false
	}
	if f.RunAt != nil && !f.RunAt.Matches(j.RunAt) {
		return false
	}
	if f.Tags != nil && !f.Tags.Matches(j.Tags) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
