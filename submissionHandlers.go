package main

import (
	"net/http"
	"strconv"

	"github.com/cityconnect/ecocoins_backend/middlewares"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/cityconnect/ecocoins_backend/workflow"
	"github.com/gin-gonic/gin"
)

type submissionView struct {
	*models.Submission
	MapURL       string `json:"map_url,omitempty"`
	ReporterName string `json:"reporter_name,omitempty"`
}

func viewSubmission(sub *models.Submission) submissionView {
	return submissionView{Submission: sub, MapURL: sub.MapURL()}
}

func respondSubmissionOutcome(c *gin.Context, outcome *workflow.SubmissionOutcome) {
	c.JSON(http.StatusCreated, gin.H{
		"submission":  viewSubmission(outcome.Submission),
		"warnings":    outcome.Warnings,
		"new_balance": outcome.NewBalance,
	})
}

// POST /api/issues (multipart)
func createIssueHandler(p *workflow.SubmissionPipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewIssue
		if err := c.ShouldBind(&input); err != nil {
			respondInvalid(c, err)
			return
		}
		if err := input.Validate(); err != nil {
			respondInvalid(c, err)
			return
		}
		image, err := readEvidenceUpload(c)
		if err != nil {
			respondError(c, "createIssueHandler", err)
			return
		}
		outcome, err := p.CreateIssue(c.Request.Context(), currentUserId(c), &input, image)
		if err != nil {
			respondError(c, "createIssueHandler", err)
			return
		}
		respondSubmissionOutcome(c, outcome)
	}
}

// POST /api/tasks (multipart)
func createTaskHandler(p *workflow.SubmissionPipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewTask
		if err := c.ShouldBind(&input); err != nil {
			respondInvalid(c, err)
			return
		}
		if err := input.Validate(); err != nil {
			respondInvalid(c, err)
			return
		}
		image, err := readEvidenceUpload(c)
		if err != nil {
			respondError(c, "createTaskHandler", err)
			return
		}
		outcome, err := p.CreateTask(c.Request.Context(), currentUserId(c), &input, image)
		if err != nil {
			respondError(c, "createTaskHandler", err)
			return
		}
		respondSubmissionOutcome(c, outcome)
	}
}

// GET /api/submissions?kind=issue|task
func listSubmissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var kind *models.SubmissionKind
		switch k := models.SubmissionKind(c.Query("kind")); k {
		case "":
		case models.SubmissionKindIssue, models.SubmissionKindTask:
			kind = &k
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
			return
		}
		subs, err := models.ListUserSubmissions(c.Request.Context(), currentUserId(c), kind)
		if err != nil {
			respondError(c, "listSubmissionsHandler", err)
			return
		}
		views := make([]submissionView, 0, len(subs))
		for _, s := range subs {
			views = append(views, viewSubmission(s))
		}
		c.JSON(http.StatusOK, gin.H{"submissions": views})
	}
}

// GET /api/admin/issues?status= lists the admin's department queue.
func departmentIssuesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		department, ok := utils.GetDepartmentFromContext(ctx)
		if !ok || department == "" {
			respondError(c, "departmentIssuesHandler", models.ErrForbidden)
			return
		}
		var status *models.IssueStatus
		if s := models.IssueStatus(c.Query("status")); s != "" {
			if !s.IsValid() {
				respondError(c, "departmentIssuesHandler", models.ErrInvalidStatusTransition)
				return
			}
			status = &s
		}

		issues, err := models.ListDepartmentIssues(ctx, models.Department(department), status)
		if err != nil {
			respondError(c, "departmentIssuesHandler", err)
			return
		}
		names, err := middlewares.ReporterNames(ctx, issues)
		if err != nil {
			respondError(c, "departmentIssuesHandler", err)
			return
		}
		views := make([]submissionView, 0, len(issues))
		for _, s := range issues {
			v := viewSubmission(s)
			v.ReporterName = names[s.UserId]
			views = append(views, v)
		}
		c.JSON(http.StatusOK, gin.H{"issues": views})
	}
}

type issueStatusRequest struct {
	Status models.IssueStatus `json:"status"`
}

// POST /api/admin/issues/:id/status
func resolveIssueHandler(w *workflow.ResolutionWorkflow) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
			return
		}
		var req issueStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, err)
			return
		}
		outcome, err := w.ResolveIssue(c.Request.Context(), currentUserId(c), id, req.Status)
		if err != nil {
			respondError(c, "resolveIssueHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"submission": viewSubmission(outcome.Submission),
			"awarded":    outcome.Awarded,
			"warnings":   outcome.Warnings,
		})
	}
}
