package emby

// Step is the outcome of one best-effort action.
type Step struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Report collects the outcomes of independent best-effort steps. A failed
// step never prevents the remaining ones from running.
type Report struct {
	Steps []Step `json:"steps"`
}

// Record appends the outcome of a step that ran.
func (r *Report) Record(name string, err error) {
	s := Step{Name: name, OK: err == nil}
	if err != nil {
		s.Error = err.Error()
	}
	r.Steps = append(r.Steps, s)
}

// Skip appends a step that did not run.
func (r *Report) Skip(name, reason string) {
	r.Steps = append(r.Steps, Step{Name: name, Error: reason})
}

// Failed returns the names of the steps that did not succeed.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if !s.OK {
			out = append(out, s.Name)
		}
	}
	return out
}

func (r Report) Step(name string) (Step, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}
