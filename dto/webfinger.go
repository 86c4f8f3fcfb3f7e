package dto

type WebfingerResp struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// SelfLink returns the href of the actor document link, or "".
func (wf *WebfingerResp) SelfLink() string {
	for _, link := range wf.Links {
		if link.Rel == "self" && (link.Type == "application/activity+json" ||
			link.Type == "application/ld+json; profile=\"https://www.w3.org/ns/activitystreams\"") {
			return link.Href
		}
	}
	return ""
}
