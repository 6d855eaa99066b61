// Command go-basic is a throwaway page to run on a remote host when trying
// rpt by hand: scan the host, forward the port, and the title and favicon
// should show up next to it.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
)

type health struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Port    string `json:"port"`
}

const page = `<!doctype html>
<html>
<head>
<title>go-basic on %s</title>
<link rel="icon" href="/static/icon.svg">
</head>
<body><p>go-basic running on %s</p></body>
</html>
`

const icon = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 16 16"><circle cx="8" cy="8" r="7" fill="#00add8"/></svg>`

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3400"
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health{OK: true, Service: "go-basic", Port: port})
	})

	http.HandleFunc("/static/icon.svg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = fmt.Fprint(w, icon)
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, page, port, port)
	})

	addr := ":" + port
	log.Printf("[go-basic] listening on http://localhost:%s", port)
	log.Fatal(http.ListenAndServe(addr, nil))
}
