package gridhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const defaultWsHandshakeTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// GridApi is the typed client for the request channel, plus a live channel
// watcher. used by gridctl and integration tooling.
type GridApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewGridApi(apiUrl string) *GridApi {
	return NewGridApiWithContext(context.Background(), apiUrl)
}

func NewGridApiWithContext(ctx context.Context, apiUrl string) *GridApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &GridApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimRight(apiUrl, "/"),
	}
}

// attached to requests that carry an owner identity
func (self *GridApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *GridApi) Close() {
	self.cancel()
}

type CreateDatasetArgs struct {
	Name            string   `json:"name"`
	Columns         []string `json:"columns,omitempty"`
	CreatedByClient string   `json:"created_by_client,omitempty"`
}

type DatasetResult struct {
	Id        int64   `json:"id"`
	Name      string  `json:"name"`
	Schema    *Schema `json:"schema"`
	UpdatedAt string  `json:"updated_at"`
}

func (self *GridApi) CreateDataset(createDataset *CreateDatasetArgs) (*DatasetResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/datasets", self.apiUrl),
		createDataset,
		self.byJwt,
		&DatasetResult{},
	)
}

type DatasetSummaryResult struct {
	Id        int64  `json:"id"`
	Name      string `json:"name"`
	UpdatedAt string `json:"updated_at"`
}

type ListAllDatasetsResult struct {
	All []*DatasetSummaryResult `json:"all"`
}

func (self *GridApi) ListAllDatasets() (*ListAllDatasetsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/datasets/all", self.apiUrl),
		self.byJwt,
		&ListAllDatasetsResult{},
	)
}

func (self *GridApi) ListMyDatasets(clientTag string) ([]*DatasetSummaryResult, error) {
	result, err := get(
		self.ctx,
		fmt.Sprintf("%s/datasets/mine-local?client_id=%s", self.apiUrl, url.QueryEscape(clientTag)),
		self.byJwt,
		&[]*DatasetSummaryResult{},
	)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

func (self *GridApi) GetDataset(datasetId int64) (*DatasetResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d", self.apiUrl, datasetId),
		self.byJwt,
		&DatasetResult{},
	)
}

type ListRowsResult struct {
	Total int64            `json:"total"`
	Rows  []map[string]any `json:"rows"`
}

func (self *GridApi) ListRows(datasetId int64, query string, offset int, limit int) (*ListRowsResult, error) {
	values := url.Values{}
	if query != "" {
		values.Set("q", query)
	}
	values.Set("offset", strconv.Itoa(offset))
	values.Set("limit", strconv.Itoa(limit))

	return get(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d/rows?%s", self.apiUrl, datasetId, values.Encode()),
		self.byJwt,
		&ListRowsResult{},
	)
}

type PatchCellArgs struct {
	Id    int64  `json:"id"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type PatchCellResult struct {
	Ok      bool           `json:"ok"`
	Applied map[string]any `json:"applied"`
}

func (self *GridApi) PatchCell(datasetId int64, patchCell *PatchCellArgs) (*PatchCellResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d/rows/patch", self.apiUrl, datasetId),
		patchCell,
		self.byJwt,
		&PatchCellResult{},
	)
}

type UpsertRowsArgs struct {
	Rows []map[string]any `json:"rows"`
}

type UpsertRowsResult struct {
	Created int `json:"created"`
}

func (self *GridApi) UpsertRows(datasetId int64, upsertRows *UpsertRowsArgs) (*UpsertRowsResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d/rows/upsert", self.apiUrl, datasetId),
		upsertRows,
		self.byJwt,
		&UpsertRowsResult{},
	)
}

type AddColumnArgs struct {
	Key string `json:"key"`
}

type AddColumnResult struct {
	Schema *Schema `json:"schema"`
}

func (self *GridApi) AddColumn(datasetId int64, addColumn *AddColumnArgs) (*AddColumnResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d/columns/add", self.apiUrl, datasetId),
		addColumn,
		self.byJwt,
		&AddColumnResult{},
	)
}

type DeleteRowsResult struct {
	Deleted int64 `json:"deleted"`
}

func (self *GridApi) DeleteRows(datasetId int64, rowIds []int64) (*DeleteRowsResult, error) {
	values := url.Values{}
	for _, rowId := range rowIds {
		values.Add("ids", strconv.FormatInt(rowId, 10))
	}

	return del(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d/rows?%s", self.apiUrl, datasetId, values.Encode()),
		self.byJwt,
		&DeleteRowsResult{},
	)
}

type ImportUploadResult struct {
	Status    string  `json:"status"`
	RowsAdded int     `json:"rows_added"`
	Schema    *Schema `json:"schema"`
}

func (self *GridApi) ImportFile(datasetId int64, filename string, content []byte) (*ImportUploadResult, error) {
	return postFile(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d/import", self.apiUrl, datasetId),
		filename,
		content,
		self.byJwt,
		&ImportUploadResult{},
	)
}

type ExportDownloadResult struct {
	Filename string `json:"filename"`
	Content  any    `json:"content"`
}

func (self *GridApi) Export(datasetId int64, format string) (*ExportDownloadResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/datasets/%d/export?fmt=%s", self.apiUrl, datasetId, url.QueryEscape(format)),
		self.byJwt,
		&ExportDownloadResult{},
	)
}

// Watch subscribes to a dataset's live channel and invokes the callback for
// every broadcast until the context ends or the connection drops.
func (self *GridApi) Watch(ctx context.Context, datasetId int64, callback func(Message)) error {
	wsUrl := fmt.Sprintf("%s/ws/datasets/%d", httpToWsUrl(self.apiUrl), datasetId)

	dialer := &websocket.Dialer{
		HandshakeTimeout: defaultWsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-self.ctx.Done():
		}
		ws.Close()
	}()

	for {
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-self.ctx.Done():
				return nil
			default:
				return err
			}
		}

		message := Message{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			glog.Infof("[watch]decode error = %s\n", err)
			continue
		}
		callback(message)
	}
}

func httpToWsUrl(apiUrl string) string {
	switch {
	case strings.HasPrefix(apiUrl, "https://"):
		return "wss://" + strings.TrimPrefix(apiUrl, "https://")
	case strings.HasPrefix(apiUrl, "http://"):
		return "ws://" + strings.TrimPrefix(apiUrl, "http://")
	default:
		return apiUrl
	}
}

func post[R any](ctx context.Context, requestUrl string, args any, byJwt string, result R) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", requestUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")

	return doRequest(req, byJwt, result)
}

func get[R any](ctx context.Context, requestUrl string, byJwt string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		var empty R
		return empty, err
	}

	return doRequest(req, byJwt, result)
}

func del[R any](ctx context.Context, requestUrl string, byJwt string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "DELETE", requestUrl, nil)
	if err != nil {
		var empty R
		return empty, err
	}

	return doRequest(req, byJwt, result)
}

func postFile[R any](ctx context.Context, requestUrl string, filename string, content []byte, byJwt string, result R) (R, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		var empty R
		return empty, err
	}
	if _, err := part.Write(content); err != nil {
		var empty R
		return empty, err
	}
	if err := form.Close(); err != nil {
		var empty R
		return empty, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", requestUrl, body)
	if err != nil {
		var empty R
		return empty, err
	}
	req.Header.Add("Content-Type", form.FormDataContentType())

	return doRequest(req, byJwt, result)
}

func doRequest[R any](req *http.Request, byJwt string, result R) (R, error) {
	if byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		return empty, err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the error body is {"detail": message}
		detail := struct {
			Detail string `json:"detail"`
		}{}
		if err := json.Unmarshal(responseBodyBytes, &detail); err == nil && detail.Detail != "" {
			return result, fmt.Errorf("%s (%d)", detail.Detail, r.StatusCode)
		}
		return result, fmt.Errorf("%s (%d)", strings.TrimSpace(string(responseBodyBytes)), r.StatusCode)
	}

	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		var empty R
		return empty, err
	}

	return result, nil
}
