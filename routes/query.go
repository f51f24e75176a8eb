package routes

import (
	"net/http"
	"strconv"
	"strings"

	"kb-rag-service/internal/ai"
	"kb-rag-service/internal/errs"
	"kb-rag-service/models"
	"kb-rag-service/services"
	"kb-rag-service/utils"

	"github.com/gin-gonic/gin"
)

type queryRequest struct {
	Message string `json:"message"`
	TopK    int    `json:"top_k"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply           string              `json:"reply"`
	RetrievedChunks []string            `json:"retrieved_chunks"`
	AnswerStatus    models.AnswerStatus `json:"answer_status"`
}

func SetupQueryRoutes(router *gin.Engine, d *Deps) {
	limited := router.Group("/", d.rateLimit())

	limited.GET("/query", func(c *gin.Context) {
		req := services.QueryRequest{Message: c.Query("message")}
		if raw := c.Query("top_k"); raw != "" {
			k, err := strconv.Atoi(raw)
			if err != nil {
				utils.RespondWithPipelineError(c, errs.Validation("top_k must be an integer, got %q", raw), nil)
				return
			}
			req.TopK = k
		}
		runQuery(c, d, req)
	})

	limited.POST("/query", func(c *gin.Context) {
		var body queryRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.RespondWithPipelineError(c, errs.Validation("invalid request body: %v", err), nil)
			return
		}
		runQuery(c, d, services.QueryRequest{Message: body.Message, TopK: body.TopK})
	})

	limited.POST("/chat", func(c *gin.Context) {
		var body chatRequest
		_ = c.ShouldBindJSON(&body)
		if strings.TrimSpace(body.Message) == "" {
			utils.RespondWithPipelineError(c, errs.Validation("Message required"), nil)
			return
		}

		result, err := d.Retrieval.Query(c.Request.Context(), services.QueryRequest{
			Message:    body.Message,
			Synthesize: true,
		})
		if err != nil {
			utils.RespondWithPipelineError(c, err, nil)
			return
		}

		reply := result.Answer
		switch result.AnswerStatus {
		case models.AnswerFailed, models.AnswerUnavailable:
			reply = ai.FailureReply
		}
		c.JSON(http.StatusOK, chatResponse{
			Reply:           reply,
			RetrievedChunks: result.RetrievedChunks,
			AnswerStatus:    result.AnswerStatus,
		})
	})
}

func runQuery(c *gin.Context, d *Deps, req services.QueryRequest) {
	result, err := d.Retrieval.Query(c.Request.Context(), req)
	if err != nil {
		utils.RespondWithPipelineError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}
