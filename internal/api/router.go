package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the handlers of s
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/frames", s.SubmitFrameHandler).Methods("POST")
	v1.HandleFunc("/detections", s.DetectionsHandler).Methods("GET")
	v1.HandleFunc("/mask", s.MaskHandler).Methods("POST")
	v1.HandleFunc("/purposes", s.PurposesHandler).Methods("GET")
	v1.HandleFunc("/purposes/{purpose}", s.PurposeHandler).Methods("GET")
	v1.HandleFunc("/status", s.StatusHandler).Methods("GET")
	return r
}
