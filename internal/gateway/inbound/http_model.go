package inbound

import "net/http"

type PublishRequest struct {
	ID string `json:"id"`
	// Data is base64 encoded in JSON.
	Data       []byte            `json:"data"`
	Attributes map[string]string `json:"attributes"`
}

type PublishResponse struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (r PublishResponse) StatusCode() int {
	if r.Duplicate {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func (r PublishResponse) Message() string {
	if r.Duplicate {
		return "message was already published"
	}
	return "message has been published"
}

type SchemesResponse struct {
	Publishers  []string `json:"publishers"`
	Subscribers []string `json:"subscribers"`
}
