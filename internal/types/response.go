package types

// Agent responses are polymorphic by task type. AgentResponse is the
// tagged variant: exactly one payload is non-nil, selected by Type. The
// parser branches once and everything downstream consumes a typed value.

// CodingResponse is the output contract for the coding family
// (coding, configuration, documentation, testing, refactoring,
// implementation).
type CodingResponse struct {
	Status        string   `json:"status"`
	FilesCreated  []string `json:"files_created"`
	FilesUpdated  []string `json:"files_updated"`
	Changes       []string `json:"changes"`
	NeededChanges bool     `json:"neededChanges"`
	Reasoning     string   `json:"reasoning"`
	Summary       string   `json:"summary"`
}

// BehavioralResponse is the output contract for behavioral tasks.
type BehavioralResponse struct {
	Status     string `json:"status"`
	Response   string `json:"response"`
	Confidence string `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// VerificationResponse is the output contract for verification tasks.
// Verdict is constrained to "pass" or "fail".
type VerificationResponse struct {
	Status    string   `json:"status"`
	Findings  []string `json:"findings"`
	Verdict   string   `json:"verdict"`
	Reasoning string   `json:"reasoning"`
}

// AgentResponse is the sum of the three output contracts.
type AgentResponse struct {
	Type         TaskType
	Coding       *CodingResponse
	Behavioral   *BehavioralResponse
	Verification *VerificationResponse
}

// DeclaredStatus returns the status field of whichever payload is set.
func (r *AgentResponse) DeclaredStatus() string {
	switch {
	case r.Coding != nil:
		return r.Coding.Status
	case r.Behavioral != nil:
		return r.Behavioral.Status
	case r.Verification != nil:
		return r.Verification.Status
	}
	return ""
}

// DeclaredFiles returns every file path the agent claims to have touched.
// Only the coding family declares files.
func (r *AgentResponse) DeclaredFiles() []string {
	if r.Coding == nil {
		return nil
	}
	files := make([]string, 0, len(r.Coding.FilesCreated)+len(r.Coding.FilesUpdated))
	files = append(files, r.Coding.FilesCreated...)
	files = append(files, r.Coding.FilesUpdated...)
	return files
}
