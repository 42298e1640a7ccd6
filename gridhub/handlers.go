package gridhub

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

var wsUpgrader = websocket.Upgrader{
	// the grid client runs on a separate origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Api wires the request channel (rest) and the live channel (ws) to the
// collaboration pipeline.
type Api struct {
	collab *Collab
	hub    *Hub
}

func NewApi(collab *Collab) *Api {
	return &Api{
		collab: collab,
		hub:    collab.Hub(),
	}
}

func (self *Api) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), self.observeRequest)

	router.GET("/", self.index)
	router.GET("/healthz", self.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	datasets := router.Group("/datasets")
	datasets.POST("", self.createDataset)
	datasets.GET("/all", self.listAllDatasets)
	datasets.GET("/mine-local", self.listMyDatasets)
	datasets.GET("/:dataset_id", self.getDataset)
	datasets.GET("/:dataset_id/rows", self.listRows)
	datasets.POST("/:dataset_id/rows/patch", self.patchCell)
	datasets.POST("/:dataset_id/rows/upsert", self.upsertRows)
	datasets.POST("/:dataset_id/columns/add", self.addColumn)
	datasets.DELETE("/:dataset_id/rows", self.deleteRows)
	datasets.POST("/:dataset_id/import", self.importDataset)
	datasets.GET("/:dataset_id/export", self.exportDataset)

	router.GET("/ws/datasets/:dataset_id", self.datasetWs)

	return cors.AllowAll().Handler(router)
}

func (self *Api) observeRequest(c *gin.Context) {
	start := time.Now()
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	metricRequests.WithLabelValues(
		c.Request.Method,
		path,
		strconv.Itoa(c.Writer.Status()),
	).Inc()
	metricRequestDuration.WithLabelValues(c.Request.Method, path).
		Observe(time.Since(start).Seconds())
}

func (self *Api) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "gridhub",
	})
}

func (self *Api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (self *Api) abortError(c *gin.Context, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"detail": validationErr.Message})
	case errors.Is(err, ErrImportTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "Import too large"})
	case errors.Is(err, ErrDatasetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Dataset not found"})
	case errors.Is(err, ErrRowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Row not found"})
	case errors.Is(err, ErrColumnExists):
		c.JSON(http.StatusConflict, gin.H{"detail": "Column already exists"})
	default:
		glog.Errorf("[api]%s %s error = %s\n", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal error"})
	}
}

func (self *Api) datasetIdParam(c *gin.Context) (int64, bool) {
	datasetId, err := strconv.ParseInt(c.Param("dataset_id"), 10, 64)
	if err != nil || datasetId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid dataset id"})
		return 0, false
	}
	return datasetId, true
}

func datasetSummary(dataset *Dataset) gin.H {
	return gin.H{
		"id":         dataset.Id,
		"name":       dataset.Name,
		"updated_at": formatStamp(dataset.UpdatedAt),
	}
}

func datasetDetail(dataset *Dataset) gin.H {
	return gin.H{
		"id":         dataset.Id,
		"name":       dataset.Name,
		"schema":     dataset.Schema,
		"updated_at": formatStamp(dataset.UpdatedAt),
	}
}

type createDatasetArgs struct {
	Name            string   `json:"name"`
	Columns         []string `json:"columns"`
	CreatedByClient string   `json:"created_by_client"`
}

func (self *Api) createDataset(c *gin.Context) {
	args := &createDatasetArgs{}
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	ownerId := ParseOwnerUnverified(c.GetHeader("Authorization"))
	dataset, err := self.collab.CreateDataset(
		c.Request.Context(),
		args.Name,
		args.Columns,
		args.CreatedByClient,
		ownerId,
	)
	if err != nil {
		self.abortError(c, err)
		return
	}

	c.JSON(http.StatusCreated, datasetDetail(dataset))
}

func (self *Api) listAllDatasets(c *gin.Context) {
	datasets, err := self.collab.ListDatasets(c.Request.Context())
	if err != nil {
		self.abortError(c, err)
		return
	}

	all := []gin.H{}
	for _, dataset := range datasets {
		all = append(all, datasetSummary(dataset))
	}
	c.JSON(http.StatusOK, gin.H{"all": all})
}

func (self *Api) listMyDatasets(c *gin.Context) {
	datasets, err := self.collab.ListDatasetsByClient(c.Request.Context(), c.Query("client_id"))
	if err != nil {
		self.abortError(c, err)
		return
	}

	mine := []gin.H{}
	for _, dataset := range datasets {
		mine = append(mine, datasetSummary(dataset))
	}
	c.JSON(http.StatusOK, mine)
}

func (self *Api) getDataset(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	dataset, err := self.collab.GetDataset(c.Request.Context(), datasetId)
	if err != nil {
		self.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, datasetDetail(dataset))
}

func (self *Api) listRows(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(DefaultRowLimit)))

	page, err := self.collab.ListRows(c.Request.Context(), datasetId, c.Query("q"), offset, limit)
	if err != nil {
		self.abortError(c, err)
		return
	}

	rows := []map[string]any{}
	for _, row := range page.Rows {
		rows = append(rows, row.Payload())
	}
	c.JSON(http.StatusOK, gin.H{
		"total": page.Total,
		"rows":  rows,
	})
}

type patchCellArgs struct {
	Id    int64  `json:"id"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (self *Api) patchCell(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	args := &patchCellArgs{}
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	applied, err := self.collab.PatchCell(c.Request.Context(), datasetId, args.Id, args.Key, args.Value)
	if err != nil {
		self.abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"applied": applied,
	})
}

type upsertRowsArgs struct {
	Rows []map[string]any `json:"rows"`
}

func (self *Api) upsertRows(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	args := &upsertRowsArgs{}
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	created, err := self.collab.UpsertRows(c.Request.Context(), datasetId, args.Rows)
	if err != nil {
		self.abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"created": created})
}

type addColumnArgs struct {
	Key string `json:"key"`
}

func (self *Api) addColumn(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	args := &addColumnArgs{}
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	schema, err := self.collab.AddColumn(c.Request.Context(), datasetId, args.Key)
	if err != nil {
		self.abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"schema": schema})
}

func (self *Api) deleteRows(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	rowIds := []int64{}
	for _, idStr := range c.QueryArray("ids") {
		rowId, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid row id"})
			return
		}
		rowIds = append(rowIds, rowId)
	}

	deleted, err := self.collab.DeleteRows(c.Request.Context(), datasetId, rowIds)
	if err != nil {
		self.abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (self *Api) importDataset(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "File required"})
		return
	}

	// reject oversized uploads before buffering the whole file
	if self.collab.settings.MaxImportBytes < fileHeader.Size {
		self.abortError(c, ErrImportTooLarge)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		self.abortError(c, err)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		self.abortError(c, err)
		return
	}

	result, err := self.collab.Import(c.Request.Context(), datasetId, fileHeader.Filename, content)
	if err != nil {
		self.abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"rows_added": result.RowsAdded,
		"schema":     result.Schema,
	})
}

func (self *Api) exportDataset(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	result, err := self.collab.Export(c.Request.Context(), datasetId, c.DefaultQuery("fmt", "json"))
	if err != nil {
		self.abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"filename": result.Filename,
		"content":  result.Content,
	})
}

// the live channel. the connection is registered for exactly one dataset and
// stays in the hub until either side closes or a send fails.
func (self *Api) datasetWs(c *gin.Context) {
	datasetId, ok := self.datasetIdParam(c)
	if !ok {
		return
	}

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Infof("[api]ws upgrade error dataset=%d = %s\n", datasetId, err)
		return
	}

	subscriber := NewWsSubscriber(self.hub.ctx, datasetId, ws, self.hub.Settings())
	self.hub.Subscribe(datasetId, subscriber)

	<-subscriber.Done()

	self.hub.Unsubscribe(datasetId, subscriber)
	ws.Close()
}
