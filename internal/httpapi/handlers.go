package httpapi

import "net/http"

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}

func handlePlaceholder(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "Hello World!")
}
