package whatsapp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

// TemplateDefinition is an approved message template as returned by the business account
type TemplateDefinition struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Status     string              `json:"status"`
	Category   string              `json:"category"`
	Components []TemplateComponent `json:"components"`
}

// TemplateComponent is one section of a template definition
type TemplateComponent struct {
	Type    string           `json:"type"`
	Format  string           `json:"format,omitempty"`
	Text    string           `json:"text,omitempty"`
	Buttons []TemplateButton `json:"buttons,omitempty"`
}

// TemplateButton is a button declared on a template
type TemplateButton struct {
	Type string `json:"type"`
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// Requirements lists the parameters a template needs
type Requirements struct {
	Body        int
	HeaderText  int
	HeaderMedia string // IMAGE, VIDEO or DOCUMENT when the header needs a link
	URLButtons  []int  // template button indices whose URL has a placeholder
}

var placeholderRe = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)

// maxPlaceholder returns the highest 1-based {{n}} index in text
func maxPlaceholder(text string) int {
	highest := 0
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// Requirements derives the parameter counts from the definition
func (d *TemplateDefinition) Requirements() Requirements {
	var req Requirements
	for _, c := range d.Components {
		switch strings.ToUpper(c.Type) {
		case "BODY":
			req.Body = maxPlaceholder(c.Text)
		case "HEADER":
			switch format := strings.ToUpper(c.Format); format {
			case "", "TEXT":
				req.HeaderText = maxPlaceholder(c.Text)
			case "IMAGE", "VIDEO", "DOCUMENT":
				req.HeaderMedia = format
			}
		case "BUTTONS":
			for i, b := range c.Buttons {
				if strings.EqualFold(b.Type, "URL") && maxPlaceholder(b.URL) > 0 {
					req.URLButtons = append(req.URLButtons, i)
				}
			}
		}
	}
	return req
}

// BuildComponents renders ordered parameters into template components.
// When def is nil the parameters are sent as given; otherwise every placeholder
// the definition declares must be filled.
func BuildComponents(params models.TemplateParams, def *TemplateDefinition) ([]Component, error) {
	if def != nil {
		if err := checkRequirements(params, def.Requirements()); err != nil {
			return nil, err
		}
	}

	var components []Component

	if h := params.Header; h != nil {
		header, err := headerComponent(h)
		if err != nil {
			return nil, err
		}
		components = append(components, header)
	}

	if len(params.Body) > 0 {
		body := Component{Type: "body"}
		for i, text := range params.Body {
			if text == "" {
				return nil, missing("body parameter {{%d}} is empty", i+1)
			}
			body.Parameters = append(body.Parameters, Parameter{Type: "text", Text: text})
		}
		components = append(components, body)
	}

	buttonIndices := buttonIndexes(len(params.Buttons), def)
	for i, text := range params.Buttons {
		if text == "" {
			return nil, missing("button parameter %d is empty", i+1)
		}
		index := strconv.Itoa(buttonIndices[i])
		components = append(components, Component{
			Type:       "button",
			SubType:    "url",
			Index:      &index,
			Parameters: []Parameter{{Type: "text", Text: text}},
		})
	}

	return components, nil
}

func headerComponent(h *models.HeaderParam) (Component, error) {
	header := Component{Type: "header"}

	kind := strings.ToLower(h.Type)
	if kind == "" || kind == "text" {
		if h.Text == "" {
			return header, missing("header text is empty")
		}
		header.Parameters = []Parameter{{Type: "text", Text: h.Text}}
		return header, nil
	}

	if h.Link == "" {
		return header, missing("header %s link is empty", kind)
	}
	media := &Media{Link: h.Link}
	param := Parameter{Type: kind}
	switch kind {
	case "image":
		param.Image = media
	case "video":
		param.Video = media
	case "document":
		param.Document = media
	default:
		return header, missing("unsupported header type %q", h.Type)
	}
	header.Parameters = []Parameter{param}
	return header, nil
}

func checkRequirements(params models.TemplateParams, req Requirements) error {
	if len(params.Body) < req.Body {
		return missing("body needs %d parameters, got %d", req.Body, len(params.Body))
	}
	if req.HeaderText > 0 && (params.Header == nil || params.Header.Text == "") {
		return missing("header needs a text parameter")
	}
	if req.HeaderMedia != "" && (params.Header == nil || params.Header.Link == "") {
		return missing("header needs a %s link", strings.ToLower(req.HeaderMedia))
	}
	if len(params.Buttons) < len(req.URLButtons) {
		return missing("url buttons need %d parameters, got %d", len(req.URLButtons), len(params.Buttons))
	}
	return nil
}

// buttonIndexes maps the n-th button parameter to its template button position
func buttonIndexes(n int, def *TemplateDefinition) []int {
	indices := make([]int, n)
	var declared []int
	if def != nil {
		declared = def.Requirements().URLButtons
	}
	for i := range indices {
		if i < len(declared) {
			indices[i] = declared[i]
		} else {
			indices[i] = i
		}
	}
	return indices
}
