package types

// ChallengeSummary is a challenge as shown to players. The flag and
// container details never leave the server.
type ChallengeSummary struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Points   int    `json:"points"`
	Category string `json:"category"`
	Static   bool   `json:"static"`
	Solved   bool   `json:"solved"`
}

// StartChallengeResponse carries the URL of the caller's sandbox.
type StartChallengeResponse struct {
	URL string `json:"url"`
}

// SubmitFlagRequest is the request body for a flag submission.
type SubmitFlagRequest struct {
	Flag string `json:"flag"`
}

// SubmitFlagResponse reports the outcome of a flag submission.
type SubmitFlagResponse struct {
	Correct bool   `json:"correct"`
	Message string `json:"message"`
}

// CreateChallengeRequest is the admin request body for registering a
// new challenge.
type CreateChallengeRequest struct {
	Name     string `json:"name"`
	Points   int    `json:"points"`
	Flag     string `json:"flag"`
	Category string `json:"category"`
	Static   bool   `json:"static"`
	ImageTag string `json:"imageTag"`
	TCPPorts []int  `json:"tcpPorts,omitempty"`
}

// RefreshSandboxesRequest names the challenge whose sandboxes should
// be rebuilt from the current image.
type RefreshSandboxesRequest struct {
	ChallengeName string `json:"challengeName"`
}
