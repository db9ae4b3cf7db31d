// Package digest turns subscriptions and catalog activity into email
// content. Everything here is pure: no I/O, no clock.
package digest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"subscribe-service/internal/mailer"
	"subscribe-service/internal/model"
)

// Site is the public identity of the catalog the emails link back to.
type Site struct {
	URL   string
	Title string
}

func (s Site) url(path string) string {
	return strings.TrimRight(s.URL, "/") + path
}

func (s Site) codeURL(path, code string) string {
	return s.url(path) + "?code=" + url.QueryEscape(code)
}

func (s Site) VerifyURL(code string) string { return s.codeURL("/subscribe/verify", code) }
func (s Site) ManageURL(code string) string { return s.codeURL("/subscribe/manage", code) }
func (s Site) UnsubscribeAllURL(code string) string { return s.codeURL("/subscribe/unsubscribe-all", code) }

// ObjectURL is the canonical page of a catalog object, addressed by id.
func (s Site) ObjectURL(objectType model.ObjectType, id string) string {
	return s.url("/" + string(objectType) + "/" + url.PathEscape(id))
}

// Notification is one digest section: a subscribed object and its new activity.
type Notification struct {
	Object     model.CatalogObject
	Activities []model.Activity
}

// ActivityView is an activity prepared for display.
type ActivityView struct {
	ActivityType string
	Timestamp    time.Time
	DatasetHref  string
	DatasetTitle string
}

// NotificationView is a digest section prepared for display.
type NotificationView struct {
	ObjectType  model.ObjectType
	ObjectName  string
	ObjectTitle string
	ObjectLink  string
	Activities  []ActivityView
}

// View resolves the links and labels of every section.
func View(site Site, notifications []Notification) []NotificationView {
	views := make([]NotificationView, 0, len(notifications))
	for _, n := range notifications {
		v := NotificationView{
			ObjectType:  n.Object.Type,
			ObjectName:  n.Object.Name,
			ObjectTitle: n.Object.DisplayTitle(),
			ObjectLink:  site.ObjectURL(n.Object.Type, n.Object.ID),
		}
		for _, a := range n.Activities {
			href, title := datasetFromActivity(site, a)
			v.Activities = append(v.Activities, ActivityView{
				ActivityType: ActivityLabel(a.ActivityType),
				Timestamp:    a.Timestamp,
				DatasetHref:  href,
				DatasetTitle: title,
			})
		}
		views = append(views, v)
	}
	return views
}

// ActivityLabel renders the catalog's internal activity type for people:
// "new package" reads "new dataset".
func ActivityLabel(activityType string) string {
	return strings.ReplaceAll(activityType, "package", "dataset")
}

// datasetFromActivity finds the dataset an activity is about. Activity
// without a package payload (group events, custom activity) has none.
func datasetFromActivity(site Site, a model.Activity) (href, title string) {
	pkg, ok := a.Data["package"].(map[string]any)
	if !ok {
		return "", ""
	}
	name, _ := pkg["name"].(string)
	if name == "" {
		return "", ""
	}
	title, _ = pkg["title"].(string)
	if title == "" {
		title = name
	}
	return site.url("/dataset/" + url.PathEscape(name)), title
}

// emailTemplate is one email parsed twice: the plain view is the text body,
// the markdown view only feeds the HTML body.
type emailTemplate struct {
	plain    *template.Template
	markdown *template.Template
}

func newEmailTemplate(name, text string) emailTemplate {
	return emailTemplate{
		plain:    template.Must(template.New(name).Funcs(plainFuncs).Parse(text)),
		markdown: template.Must(template.New(name).Funcs(markdownFuncs).Parse(text)),
	}
}

func when(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 UTC") }

var plainFuncs = template.FuncMap{
	"link":    plainLink,
	"md":      func(s string) string { return s },
	"heading": func() string { return "" },
	"when":    when,
}

var markdownFuncs = template.FuncMap{
	"link":    link,
	"md":      escapeMarkdown,
	"heading": func() string { return "### " },
	"when":    when,
}

var digestTemplate = newEmailTemplate("digest", `Dear {{.Email}},

There is new activity on {{md .Site.Title}} that you are subscribed to.
{{range .Notifications}}
{{heading}}{{link .ObjectTitle .ObjectLink}} ({{.ObjectType}})
{{range .Activities}}
* {{when .Timestamp}}: {{.ActivityType}}{{if .DatasetHref}} {{link .DatasetTitle .DatasetHref}}{{end}}
{{- end}}
{{end}}
---

To manage your subscriptions visit {{.ManageURL}}

To stop all notifications from {{md .Site.Title}} visit {{.UnsubscribeAllURL}}
`)

// Render composes the digest email for one recipient.
func Render(site Site, email, code string, notifications []Notification) (mailer.Message, error) {
	data := struct {
		Email             string
		Site              Site
		Notifications     []NotificationView
		ManageURL         string
		UnsubscribeAllURL string
	}{
		Email:             email,
		Site:              site,
		Notifications:     View(site, notifications),
		ManageURL:         site.ManageURL(code),
		UnsubscribeAllURL: site.UnsubscribeAllURL(code),
	}

	subject := fmt.Sprintf("%s - new activity", site.Title)
	return compose(mailer.KindDigest, email, subject, digestTemplate, data)
}

var verificationTemplate = newEmailTemplate("verification", `Dear {{.Email}},

Someone asked to receive email notifications from {{md .Site.Title}} about {{.ObjectType}} {{link .ObjectTitle .ObjectLink}}.

Please confirm by visiting {{.VerifyURL}}

If you did not ask for this, ignore this email and nothing more will be sent.
`)

// Verification asks the subscriber to confirm a new subscription.
func Verification(site Site, email, code string, obj model.CatalogObject) (mailer.Message, error) {
	data := struct {
		Email       string
		Site        Site
		ObjectType  model.ObjectType
		ObjectTitle string
		ObjectLink  string
		VerifyURL   string
	}{
		Email:       email,
		Site:        site,
		ObjectType:  obj.Type,
		ObjectTitle: obj.DisplayTitle(),
		ObjectLink:  site.ObjectURL(obj.Type, obj.ID),
		VerifyURL:   site.VerifyURL(code),
	}

	subject := fmt.Sprintf("Confirm your request for %s subscription", site.Title)
	return compose(mailer.KindVerification, email, subject, verificationTemplate, data)
}

var confirmationTemplate = newEmailTemplate("confirmation", `Dear {{.Email}},

Your subscription to {{.ObjectType}} {{link .ObjectTitle .ObjectLink}} on {{md .Site.Title}} is confirmed.

To manage your subscriptions visit {{.ManageURL}}
`)

// Confirmation tells the subscriber verification worked and links to management.
func Confirmation(site Site, email, code string, obj model.CatalogObject) (mailer.Message, error) {
	data := struct {
		Email       string
		Site        Site
		ObjectType  model.ObjectType
		ObjectTitle string
		ObjectLink  string
		ManageURL   string
	}{
		Email:       email,
		Site:        site,
		ObjectType:  obj.Type,
		ObjectTitle: obj.DisplayTitle(),
		ObjectLink:  site.ObjectURL(obj.Type, obj.ID),
		ManageURL:   site.ManageURL(code),
	}

	subject := fmt.Sprintf("%s subscription confirmed", site.Title)
	return compose(mailer.KindConfirmation, email, subject, confirmationTemplate, data)
}

var manageCodeTemplate = newEmailTemplate("manage_code", `Dear {{.Email}},

To manage your {{md .Site.Title}} subscriptions visit {{.ManageURL}}

This link works for a limited time. You can request a new one at any time.
`)

// ManageCode sends a management link carrying a login code.
func ManageCode(site Site, email, code string) (mailer.Message, error) {
	data := struct {
		Email     string
		Site      Site
		ManageURL string
	}{
		Email:     email,
		Site:      site,
		ManageURL: site.ManageURL(code),
	}

	subject := fmt.Sprintf("Manage %s subscriptions", site.Title)
	return compose(mailer.KindManageCode, email, subject, manageCodeTemplate, data)
}

func compose(kind, to, subject string, tmpl emailTemplate, data any) (mailer.Message, error) {
	var text, md bytes.Buffer
	if err := tmpl.plain.Execute(&text, data); err != nil {
		return mailer.Message{}, fmt.Errorf("failed to render %s email: %w", kind, err)
	}
	if err := tmpl.markdown.Execute(&md, data); err != nil {
		return mailer.Message{}, fmt.Errorf("failed to render %s email: %w", kind, err)
	}

	htmlBody, err := toHTML(md.String())
	if err != nil {
		return mailer.Message{}, fmt.Errorf("failed to convert %s email: %w", kind, err)
	}

	return mailer.Message{
		Kind:    kind,
		To:      to,
		Subject: subject,
		Text:    text.String(),
		HTML:    htmlBody,
	}, nil
}
