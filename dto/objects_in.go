package dto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ObjectIn is a remote post (Note, Article and friends) as received from
// the fediverse. Field shapes vary wildly between implementations, so the
// volatile ones go through raw members and get normalized on unmarshal.
type ObjectIn struct {
	Id              string         `json:"id"`
	Type            string         `json:"type"`
	Name            string         `json:"name"`
	Published       string         `json:"published"`
	Summary         string         `json:"summary"`
	Sensitive       bool           `json:"sensitive"`
	InReplyTo       string         `json:"inReplyTo"`
	Content         string         `json:"content"`
	AttributedTo    string         `json:"-"`
	RawAttributedTo any            `json:"attributedTo"`
	Url             string         `json:"-"`
	RawUrl          any            `json:"url"`
	To              []string       `json:"-"`
	RawTo           any            `json:"to"`
	Cc              []string       `json:"-"`
	RawCc           any            `json:"cc"`
	Tag             []TagIn        `json:"-"`
	RawTag          any            `json:"tag"`
	Attachment      []AttachmentIn `json:"attachment"`
}

type TagIn struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

type AttachmentIn struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	Url       string `json:"url"`
	Name      string `json:"name"`
}

func (x *ObjectIn) UnmarshalJSON(data []byte) error {
	var err error
	type Y ObjectIn
	var y = (*Y)(x)
	if err = json.Unmarshal(data, y); err != nil {
		return err
	}
	if y.To, err = getRecipient(y.RawTo); err != nil {
		return err
	}
	if y.Cc, err = getRecipient(y.RawCc); err != nil {
		return err
	}
	if y.AttributedTo, err = getIdOrObjectId(y.RawAttributedTo); err != nil {
		return err
	}
	if y.Url, err = getFirstUrl(y.RawUrl); err != nil {
		return err
	}
	if y.Tag, err = getTags(y.RawTag); err != nil {
		return err
	}
	return nil
}

// getIdOrObjectId accepts a bare IRI, an embedded object with an id, or an
// array of either (first usable entry wins).
func getIdOrObjectId(raw any) (string, error) {
	if raw == nil {
		return "", nil
	}
	if str, ok := raw.(string); ok {
		return str, nil
	}
	if obj, ok := raw.(map[string]interface{}); ok {
		if idStr, ok := obj["id"].(string); ok {
			return idStr, nil
		}
		return "", errors.New("attribution object has no 'id' string")
	}
	if slice, ok := raw.([]interface{}); ok {
		for _, item := range slice {
			if res, err := getIdOrObjectId(item); err == nil && res != "" {
				return res, nil
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("cannot interpret attribution value")
}

// getFirstUrl accepts a bare string, a Link object with an href, or an
// array of either.
func getFirstUrl(raw any) (string, error) {
	if raw == nil {
		return "", nil
	}
	if str, ok := raw.(string); ok {
		return str, nil
	}
	if obj, ok := raw.(map[string]interface{}); ok {
		if href, ok := obj["href"].(string); ok {
			return href, nil
		}
		return "", nil
	}
	if slice, ok := raw.([]interface{}); ok {
		for _, item := range slice {
			if res, err := getFirstUrl(item); err == nil && res != "" {
				return res, nil
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("cannot interpret 'url' value")
}

func getTags(raw any) ([]TagIn, error) {
	// No value is legit
	if raw == nil {
		return nil, nil
	}

	retrieve := func(obj map[string]interface{}) TagIn {
		var tag TagIn
		tag.Type, _ = obj["type"].(string)
		tag.Href, _ = obj["href"].(string)
		tag.Name, _ = obj["name"].(string)
		return tag
	}

	// Single tag object
	if obj, ok := raw.(map[string]interface{}); ok {
		return []TagIn{retrieve(obj)}, nil
	}
	// Array
	if slice, ok := raw.([]interface{}); ok {
		var res []TagIn
		for _, s := range slice {
			if obj, ok := s.(map[string]interface{}); ok {
				res = append(res, retrieve(obj))
			} else {
				return nil, errors.New("unexpected item in 'tag' array; must only contain tag objects")
			}
		}
		return res, nil
	}
	return nil, errors.New("invalid data in 'tag' property")
}
