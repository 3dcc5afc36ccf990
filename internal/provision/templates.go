package provision

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// StartupParams fills the xstartup script.
type StartupParams struct {
	Desktop string
}

// UnitParams fills the systemd unit for one session.
type UnitParams struct {
	Name     string
	Display  int
	Geometry string
	Depth    int
}

// RenderStartup returns the xstartup script that launches the desktop.
func RenderStartup(p StartupParams) ([]byte, error) {
	return render("xstartup.tmpl", p)
}

// RenderUnit returns the systemd unit that runs the VNC server on :Display
// as user Name.
func RenderUnit(p UnitParams) ([]byte, error) {
	return render("vncserver.service.tmpl", p)
}

func render(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
