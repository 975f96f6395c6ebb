// Package ui serves the task reports written by the report generator as a
// browsable directory.
package ui

import (
	"embed"
	"html/template"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

//go:embed templates
var templateFS embed.FS

// Report is one entry of the index page.
type Report struct {
	TaskID   string
	HTML     string
	Markdown string
	ModTime  time.Time
}

// ListReports returns the reports in dir, newest first. A missing
// directory has no reports.
func ListReports(dir string) ([]Report, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	var out []Report
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".html" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, ".html")
		r := Report{TaskID: id, HTML: name, ModTime: info.ModTime()}
		if names[id+".md"] {
			r.Markdown = id + ".md"
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Handler serves an index of dir at "/" and the report files below it.
// Only .html and .md files are served; anything else is a 404.
func Handler(dir string) (http.Handler, error) {
	index, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	fileServer := http.FileServer(http.Dir(dir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if p == "/" {
			reports, err := ListReports(dir)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_ = index.Execute(w, struct{ Reports []Report }{reports})
			return
		}

		switch path.Ext(p) {
		case ".html", ".md":
		default:
			http.NotFound(w, r)
			return
		}
		if strings.Count(p, "/") != 1 {
			http.NotFound(w, r)
			return
		}
		if _, err := os.Stat(filepath.Join(dir, path.Base(p))); err != nil {
			http.NotFound(w, r)
			return
		}
		if path.Ext(p) == ".md" {
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		}
		r.URL.Path = p
		fileServer.ServeHTTP(w, r)
	}), nil
}
