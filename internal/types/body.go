package types

// BodyKind discriminates the Body variants.
type BodyKind string

const (
	BodyText     BodyKind = "text"
	BodyMedia    BodyKind = "media"
	BodyTemplate BodyKind = "template"
	BodySystem   BodyKind = "system"
)

// Body is the payload of a message. The set of implementations is closed:
// TextBody, MediaBody, TemplateBody and SystemBody.
type Body interface {
	Kind() BodyKind
	// Preview returns a short plain-text rendering of the body.
	Preview() string
	body()
}

// TextBody is a plain text message.
type TextBody struct {
	Text string
}

func (TextBody) Kind() BodyKind    { return BodyText }
func (b TextBody) Preview() string { return b.Text }
func (TextBody) body()             {}

// MediaBody is an attachment with an optional caption.
type MediaBody struct {
	URL      string
	MimeType string
	Filename string
	Caption  string
}

func (MediaBody) Kind() BodyKind { return BodyMedia }

func (b MediaBody) Preview() string {
	if b.Caption != "" {
		return b.Caption
	}
	if b.Filename != "" {
		return "[" + b.Filename + "]"
	}
	return "[" + b.MimeType + "]"
}

func (MediaBody) body() {}

// TemplateBody is a pre-approved template with positional parameters.
type TemplateBody struct {
	Name     string
	Language string
	Params   []string
}

func (TemplateBody) Kind() BodyKind    { return BodyTemplate }
func (b TemplateBody) Preview() string { return "[template " + b.Name + "]" }
func (TemplateBody) body()             {}

// SystemBody is a notice generated by the platform (assignment, closure...).
type SystemBody struct {
	Code string
	Text string
}

func (SystemBody) Kind() BodyKind    { return BodySystem }
func (b SystemBody) Preview() string { return b.Text }
func (SystemBody) body()             {}
