package api

import (
	"net/http"

	"github.com/mirkobrombin/go-taskwarp/v1/session"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request, _ string, _ session.Session) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, _ string, _ session.Session) {
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request, _ string, sess session.Session) {
	var in task.NewTask
	if !decode(w, r, &in) {
		return
	}
	t, err := s.tasks.Create(r.Context(), in, sess.UserID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request, _ string, sess session.Session) {
	var p task.Patch
	if !decode(w, r, &p) {
		return
	}
	t, err := s.tasks.Update(r.Context(), r.PathValue("id"), p, sess.UserID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request, _ string, sess session.Session) {
	if err := s.tasks.Delete(r.Context(), r.PathValue("id"), sess.UserID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskToggle(w http.ResponseWriter, r *http.Request, _ string, sess session.Session) {
	t, err := s.tasks.ToggleStatus(r.Context(), r.PathValue("id"), sess.UserID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskByStatus(w http.ResponseWriter, r *http.Request, _ string, _ session.Session) {
	tasks, err := s.tasks.FindByStatus(r.Context(), r.PathValue("status"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskByPriority(w http.ResponseWriter, r *http.Request, _ string, _ session.Session) {
	tasks, err := s.tasks.FindByPriority(r.Context(), r.PathValue("priority"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}
