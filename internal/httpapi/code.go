package httpapi

import (
	"net/http"

	"github.com/mechlabs/mech-queue/internal/vectorsearch"
)

type searchCodeRequest struct {
	Query          string  `json:"query" validate:"required"`
	ProjectID      string  `json:"projectId" validate:"required"`
	RepositoryName string  `json:"repositoryName"`
	Language       string  `json:"language"`
	FilePathRegex  string  `json:"filePathRegex"`
	Limit          int     `json:"limit"`
	ScoreThreshold float64 `json:"scoreThreshold"`
}

func (h *Handlers) searchCode(w http.ResponseWriter, r *http.Request) {
	var req searchCodeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	hits, err := h.vectorsearch.SearchCode(r.Context(), req.Query,
		vectorsearch.Filters{
			ProjectID: req.ProjectID, RepositoryName: req.RepositoryName,
			Language: req.Language, FilePathRegex: req.FilePathRegex,
		},
		vectorsearch.SearchOptions{Limit: req.Limit, ScoreThreshold: req.ScoreThreshold})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, hits)
}

type indexCodeRequest struct {
	ProjectID      string `json:"projectId" validate:"required"`
	RepositoryName string `json:"repositoryName" validate:"required"`
	FilePath       string `json:"filePath" validate:"required"`
	StartLine      int    `json:"startLine"`
	EndLine        int    `json:"endLine"`
	Language       string `json:"language"`
	Content        string `json:"content" validate:"required"`
}

func (h *Handlers) indexCode(w http.ResponseWriter, r *http.Request) {
	var req indexCodeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	chunk := vectorsearch.CodeChunk{
		ProjectID: req.ProjectID, RepositoryName: req.RepositoryName, FilePath: req.FilePath,
		StartLine: req.StartLine, EndLine: req.EndLine, Language: req.Language, Content: req.Content,
	}
	if err := h.vectorsearch.IndexChunk(r.Context(), chunk); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"status": "indexed"})
}
