package notify

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"github.com/yuin/goldmark"
)

type messageTemplate struct {
	subject string
	body    *texttemplate.Template
}

// Bodies are Markdown: sent as-is for the plain-text part and rendered
// with goldmark for the HTML part. Raw HTML in payload values is dropped
// by the renderer.
var templates = map[Kind]messageTemplate{
	KindNewOffer: {
		subject: "New exchange offer",
		body: texttemplate.Must(texttemplate.New("new_offer").Option("missingkey=zero").Parse(`## New exchange offer

Hi **{{.user_name}}**,

Your publication **{{.requested_title}}** received a new exchange offer{{with .actor_name}} from {{.}}{{end}}.

They offer:

> **{{.offered_title}}**
>
> {{.offered_description}}

Sign in to EcoSwap to review the offer and reply as soon as possible.
`)),
	},
	KindOfferResponse: {
		subject: "Your exchange offer was answered",
		body: texttemplate.Must(texttemplate.New("offer_response").Option("missingkey=zero").Parse(`## Your offer was answered

Hi **{{.user_name}}**,

**{{.actor_name}}** answered the offer you sent.

Status: **{{.status_label}}**

- Requested publication: **{{.requested_title}}** ({{.requested_description}})
- Your offered publication: **{{.offered_title}}** ({{.offered_description}})
`)),
	},
	KindOfferCancelled: {
		subject: "An exchange was cancelled",
		body: texttemplate.Must(texttemplate.New("offer_cancelled").Option("missingkey=zero").Parse(`## Exchange cancelled

Hi **{{.user_name}}**,

**{{.actor_name}}** changed the status of the exchange involving your publication to **{{.status_label}}**.

- Requested publication: **{{.requested_title}}** ({{.requested_description}})
- Offered publication: **{{.offered_title}}** ({{.offered_description}})
{{with .reason}}
Reason: {{.}}
{{end}}`)),
	},
	KindResetCode: {
		subject: "Password reset code",
		body: texttemplate.Must(texttemplate.New("reset_code").Option("missingkey=zero").Parse(`## Password reset

Hi **{{.user_name}}**,

We received a request to reset your password. Your verification code is:

**{{.reset_code}}**

The code expires in **15 minutes**. If you did not ask for it you can ignore this message.
`)),
	},
}

var layout = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; color: #333;">
<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
<div style="background-color: #2c3e50; color: white; padding: 20px; text-align: center;"><h2 style="margin: 0;">EcoSwap</h2></div>
<div style="padding: 25px;">{{.}}</div>
<p style="font-size: 12px; color: #888; text-align: center;">This is an automated message, please do not reply.</p>
</div>
</body>
</html>`))

const footer = "\n---\nThis is an automated message, please do not reply.\n"

// Render produces the subject and both bodies for n.
func Render(n Notification) (subject, text, html string, err error) {
	tmpl, ok := templates[n.Kind]
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q", ErrUnknownKind, n.Kind)
	}

	payload := n.Payload
	if payload == nil {
		payload = map[string]string{}
	}

	var md bytes.Buffer
	if err := tmpl.body.Execute(&md, payload); err != nil {
		return "", "", "", fmt.Errorf("failed to render %s body: %w", n.Kind, err)
	}

	var rendered bytes.Buffer
	if err := goldmark.Convert(md.Bytes(), &rendered); err != nil {
		return "", "", "", fmt.Errorf("failed to convert %s body: %w", n.Kind, err)
	}

	var page bytes.Buffer
	if err := layout.Execute(&page, template.HTML(rendered.String())); err != nil {
		return "", "", "", fmt.Errorf("failed to render %s layout: %w", n.Kind, err)
	}

	return tmpl.subject, md.String() + footer, page.String(), nil
}
