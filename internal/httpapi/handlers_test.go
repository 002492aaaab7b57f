package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"billdesk/backend/internal/auth"
	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/events"
	"billdesk/backend/internal/lineage"
	"billdesk/backend/internal/lock"
	"billdesk/backend/internal/logger"
	"billdesk/backend/internal/metrics"
	"billdesk/backend/internal/reconcile"
	"billdesk/backend/internal/report"
	"billdesk/backend/internal/service"
	"billdesk/backend/internal/store/memory"
)

type testEnv struct {
	api   *API
	repo  *memory.Store
	locks *lock.Manager
}

// newTestEnv wires the seeded memory store through the real reconciler,
// service and authenticator.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	repo := memory.NewSeeded("BILL")
	locks := lock.NewManager(50 * time.Millisecond)
	linker := lineage.New(repo, 0)
	collector := metrics.New()
	rec := reconcile.New(repo, linker, locks, collector)
	reports := report.New(repo, nil, 0, logger.Discard())
	svc := service.New(repo, rec, linker, reports, events.NoopPublisher{}, logger.Discard())
	authn := auth.New("test-secret-key-with-enough-bytes!", time.Hour, repo)

	return testEnv{
		api:   New(svc, authn, "*", collector, logger.Discard()),
		repo:  repo,
		locks: locks,
	}
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestEnv(t).api
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func createBill(t *testing.T, handler http.Handler, token string, req domain.BillCreateRequest) domain.BillCreateResponse {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/bills", token, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	return decodeBody[domain.BillCreateResponse](t, rec)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	body := decodeBody[map[string]any](t, rec)
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["code"] != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %v", body["code"])
	}
}

func TestHandleBills_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/bills", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateSaleReturnsCreatedBill(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "editor", "editor123")

	resp := createBill(t, handler, token, domain.BillCreateRequest{
		Kind:     "sale",
		Customer: "Ana",
		Lines: []domain.BillLineRequest{
			{ItemID: "ITM-PEN", Quantity: 2},
			{ItemID: "ITM-NOTEBOOK", Quantity: 1},
		},
	})
	if !strings.HasPrefix(resp.BillNumber, "BILL-") {
		t.Fatalf("unexpected bill number %q", resp.BillNumber)
	}
	if resp.TotalAmount.StringFixed(2) != "6.75" {
		t.Fatalf("expected total 6.75, got %s", resp.TotalAmount.StringFixed(2))
	}
	if resp.Bill.CreatedBy != "editor" {
		t.Fatalf("expected bill to be attributed to editor, got %q", resp.Bill.CreatedBy)
	}

	stock := doJSON(t, handler, http.MethodGet, "/api/v1/items/ITM-PEN/stock", token, nil)
	if stock.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", stock.Code)
	}
	level := decodeBody[domain.StockLevel](t, stock)
	if level.Stock != 118 {
		t.Fatalf("expected pen stock 118, got %d", level.Stock)
	}
}

func TestCreateSaleInsufficientStockReports409(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "editor", "editor123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/bills", token, domain.BillCreateRequest{
		Kind:  "sale",
		Lines: []domain.BillLineRequest{{ItemID: "ITM-MUG", Quantity: 36}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	if body["code"] != "insufficient_stock" {
		t.Fatalf("expected insufficient_stock code, got %v", body["code"])
	}
	if body["item_id"] != "ITM-MUG" || body["requested"] != float64(36) || body["available"] != float64(35) {
		t.Fatalf("unexpected error detail %v", body)
	}
}

func TestCreateBillRejectsMalformedRequest(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "editor", "editor123")

	cases := []struct {
		name string
		req  domain.BillCreateRequest
		code string
	}{
		{name: "unknown kind", req: domain.BillCreateRequest{Kind: "refund", Lines: []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 1}}}, code: "invalid_bill"},
		{name: "no lines", req: domain.BillCreateRequest{Kind: "sale"}, code: "invalid_bill"},
		{name: "exchange without parent", req: domain.BillCreateRequest{Kind: "exchange", Lines: []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 1}}}, code: "invalid_bill"},
		{name: "unknown parent", req: domain.BillCreateRequest{Kind: "return", ParentBillNumber: "BILL-9999999999", Lines: []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 1}}}, code: "not_found"},
	}
	for _, tc := range cases {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/bills", token, tc.req)
		body := decodeBody[map[string]any](t, rec)
		if body["code"] != tc.code {
			t.Fatalf("%s: expected code %s, got %d %v", tc.name, tc.code, rec.Code, body)
		}
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/bills", token, map[string]any{"kind": "sale", "surprise": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", rec.Code)
	}
}

func TestExchangeLineageAndResolution(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "editor", "editor123")

	sale := createBill(t, handler, token, domain.BillCreateRequest{
		Kind:     "sale",
		Customer: "Ana",
		Lines:    []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 3}},
	})
	exchange := createBill(t, handler, token, domain.BillCreateRequest{
		Kind:             "exchange",
		ParentBillNumber: sale.BillNumber,
		Lines:            []domain.BillLineRequest{{ItemID: "ITM-PENCIL", Quantity: 2}},
	})

	second := doJSON(t, handler, http.MethodPost, "/api/v1/bills", token, domain.BillCreateRequest{
		Kind:             "return",
		ParentBillNumber: sale.BillNumber,
		Lines:            []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 1}},
	})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected second derivative to conflict, got %d (body: %s)", second.Code, second.Body.String())
	}
	if body := decodeBody[map[string]any](t, second); body["code"] != "already_linked" {
		t.Fatalf("expected already_linked, got %v", body["code"])
	}

	resolved := doJSON(t, handler, http.MethodGet, "/api/v1/bills/"+sale.BillNumber, token, nil)
	if resolved.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resolved.Code)
	}
	bill := decodeBody[domain.ResolvedBill](t, resolved)
	if bill.Number != exchange.BillNumber || bill.ResolvedFrom != sale.BillNumber {
		t.Fatalf("expected %s resolved from %s, got %s from %s", exchange.BillNumber, sale.BillNumber, bill.Number, bill.ResolvedFrom)
	}

	exact := doJSON(t, handler, http.MethodGet, "/api/v1/bills/"+sale.BillNumber+"?exact=1", token, nil)
	if got := decodeBody[domain.ResolvedBill](t, exact); got.Number != sale.BillNumber {
		t.Fatalf("expected exact lookup to return %s, got %s", sale.BillNumber, got.Number)
	}

	chainRec := doJSON(t, handler, http.MethodGet, "/api/v1/bills/"+exchange.BillNumber+"/lineage", token, nil)
	if chainRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", chainRec.Code)
	}
	chain := decodeBody[domain.LineageResponse](t, chainRec)
	if len(chain.Chain) != 2 || chain.Current != exchange.BillNumber {
		t.Fatalf("unexpected lineage %+v", chain)
	}
	if chain.Chain[0].BillNumber != sale.BillNumber || chain.Chain[0].Status != domain.StatusExchanged {
		t.Fatalf("expected root sale to be EXCHANGED, got %+v", chain.Chain[0])
	}

	missing := doJSON(t, handler, http.MethodGet, "/api/v1/bills/BILL-0000009999", token, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestVoidRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	editor := loginAs(t, api, "editor", "editor123")
	admin := loginAs(t, api, "admin", "admin123")

	sale := createBill(t, handler, editor, domain.BillCreateRequest{
		Kind:  "sale",
		Lines: []domain.BillLineRequest{{ItemID: "ITM-TOTE", Quantity: 2}},
	})

	denied := doJSON(t, handler, http.MethodPost, "/api/v1/bills/"+sale.BillNumber+"/void", editor, domain.BillVoidRequest{Reason: "typo"})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for editor void, got %d (body: %s)", denied.Code, denied.Body.String())
	}

	missingReason := doJSON(t, handler, http.MethodPost, "/api/v1/bills/"+sale.BillNumber+"/void", admin, domain.BillVoidRequest{})
	if missingReason.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", missingReason.Code)
	}

	ok := doJSON(t, handler, http.MethodPost, "/api/v1/bills/"+sale.BillNumber+"/void", admin, domain.BillVoidRequest{Reason: "typo"})
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", ok.Code, ok.Body.String())
	}

	again := doJSON(t, handler, http.MethodPost, "/api/v1/bills/"+sale.BillNumber+"/void", admin, domain.BillVoidRequest{Reason: "twice"})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 voiding twice, got %d", again.Code)
	}

	level := decodeBody[domain.StockLevel](t, doJSON(t, handler, http.MethodGet, "/api/v1/items/ITM-TOTE/stock", admin, nil))
	if level.Stock != 40 {
		t.Fatalf("expected tote stock restored to 40, got %d", level.Stock)
	}
}

func TestCreateBillReturns503WhenItemBusy(t *testing.T) {
	env := newTestEnv(t)
	handler := env.api.Handler()
	token := loginAs(t, env.api, "editor", "editor123")

	release, err := env.locks.Acquire(context.Background(), lock.ItemKey("ITM-PEN"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/bills", token, domain.BillCreateRequest{
		Kind:  "sale",
		Lines: []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 1}},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if body := decodeBody[map[string]any](t, rec); body["code"] != "busy" {
		t.Fatalf("expected busy code, got %v", body["code"])
	}
}

func TestItemsCreateAndRestock(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, api, "admin", "admin123")
	editor := loginAs(t, api, "editor", "editor123")

	created := doJSON(t, handler, http.MethodPost, "/api/v1/items", editor, map[string]any{
		"name":          "Sticky Notes",
		"category":      "stationery",
		"cost_price":    "0.40",
		"sale_price":    "1.20",
		"initial_stock": 15,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", created.Code, created.Body.String())
	}
	item := decodeBody[map[string]domain.Item](t, created)["item"]
	if item.ID == "" || item.Stock != 15 {
		t.Fatalf("unexpected item %+v", item)
	}

	mine := decodeBody[map[string][]domain.Item](t, doJSON(t, handler, http.MethodGet, "/api/v1/items?mine=1", editor, nil))
	if len(mine["items"]) != 1 || mine["items"][0].ID != item.ID {
		t.Fatalf("expected only the editor's item, got %+v", mine["items"])
	}

	denied := doJSON(t, handler, http.MethodPost, "/api/v1/items/"+item.ID+"/restock", editor, domain.RestockRequest{Delta: 5})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for editor restock, got %d", denied.Code)
	}

	restocked := doJSON(t, handler, http.MethodPost, "/api/v1/items/"+item.ID+"/restock", admin, domain.RestockRequest{Delta: 5, Reason: "delivery"})
	if restocked.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", restocked.Code, restocked.Body.String())
	}
	if level := decodeBody[domain.StockLevel](t, restocked); level.Stock != 20 {
		t.Fatalf("expected stock 20, got %d", level.Stock)
	}

	negative := doJSON(t, handler, http.MethodPost, "/api/v1/items/"+item.ID+"/restock", admin, domain.RestockRequest{Delta: -50})
	if negative.Code != http.StatusConflict {
		t.Fatalf("expected 409 for negative stock, got %d", negative.Code)
	}
}

func TestDashboardScopes(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, api, "admin", "admin123")
	editor := loginAs(t, api, "editor", "editor123")

	createBill(t, handler, admin, domain.BillCreateRequest{Kind: "sale", Customer: "Ana", Lines: []domain.BillLineRequest{{ItemID: "ITM-TOTE", Quantity: 1}}})
	createBill(t, handler, editor, domain.BillCreateRequest{Kind: "sale", Customer: "Budi", Lines: []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 2}}})

	all := decodeBody[domain.Dashboard](t, doJSON(t, handler, http.MethodGet, "/api/v1/reports/dashboard?scope=all", admin, nil))
	if all.TotalBills != 2 || all.NetSales.StringFixed(2) != "11.50" {
		t.Fatalf("unexpected all-scope dashboard %+v", all)
	}

	forced := decodeBody[domain.Dashboard](t, doJSON(t, handler, http.MethodGet, "/api/v1/reports/dashboard?scope=all", editor, nil))
	if forced.Scope != report.ScopeMine || forced.NetSales.StringFixed(2) != "3.00" {
		t.Fatalf("expected editor to see own figures only, got %+v", forced)
	}

	bad := doJSON(t, handler, http.MethodGet, "/api/v1/reports/dashboard?scope=everything", admin, nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown scope, got %d", bad.Code)
	}
}

func TestBillsExportServesWorkbook(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, api, "admin", "admin123")
	editor := loginAs(t, api, "editor", "editor123")

	createBill(t, handler, editor, domain.BillCreateRequest{Kind: "sale", Customer: "Ana", Lines: []domain.BillLineRequest{{ItemID: "ITM-MUG", Quantity: 1}}})

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/reports/bills.xlsx", editor, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for editor export, got %d", rec.Code)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/reports/bills.xlsx", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, ".xlsx") {
		t.Fatalf("unexpected content disposition %q", cd)
	}

	book, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer book.Close()
	rows, err := book.GetRows(book.GetSheetName(0))
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one line, got %d rows", len(rows))
	}
}

func TestBillsListAndAuditLogs(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, api, "admin", "admin123")
	editor := loginAs(t, api, "editor", "editor123")

	createBill(t, handler, editor, domain.BillCreateRequest{Kind: "sale", Customer: "Ana", Lines: []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 1}}})
	createBill(t, handler, admin, domain.BillCreateRequest{Kind: "sale", Customer: "Budi", Lines: []domain.BillLineRequest{{ItemID: "ITM-PEN", Quantity: 1}}})

	mine := decodeBody[map[string][]domain.Bill](t, doJSON(t, handler, http.MethodGet, "/api/v1/bills?mine=true", editor, nil))
	if len(mine["bills"]) != 1 || mine["bills"][0].Customer != "Ana" {
		t.Fatalf("expected one bill for editor, got %+v", mine["bills"])
	}

	byCustomer := decodeBody[map[string][]domain.Bill](t, doJSON(t, handler, http.MethodGet, "/api/v1/bills?customer=Budi", admin, nil))
	if len(byCustomer["bills"]) != 1 {
		t.Fatalf("expected one bill for Budi, got %d", len(byCustomer["bills"]))
	}

	badKind := doJSON(t, handler, http.MethodGet, "/api/v1/bills?kind=refund", admin, nil)
	if badKind.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", badKind.Code)
	}

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", editor, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for editor audit logs, got %d", rec.Code)
	}
	logs := decodeBody[map[string][]domain.AuditLog](t, doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs?limit=10", admin, nil))
	if len(logs["logs"]) < 2 {
		t.Fatalf("expected audit entries for both bills, got %d", len(logs["logs"]))
	}

	badDate := doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs?date=16-10-2026", admin, nil)
	if badDate.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", badDate.Code)
	}
}

func TestEditorManagement(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAsAdmin(t, api)

	created := doJSON(t, handler, http.MethodPost, "/api/v1/users/editors", admin, domain.EditorCreateRequest{Username: "NewClerk", Password: "clerk-pass-1"})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", created.Code, created.Body.String())
	}
	editor := decodeBody[map[string]domain.EditorUser](t, created)["editor"]
	if editor.Username != "newclerk" || !editor.Active {
		t.Fatalf("unexpected editor %+v", editor)
	}

	dup := doJSON(t, handler, http.MethodPost, "/api/v1/users/editors", admin, domain.EditorCreateRequest{Username: "newclerk", Password: "clerk-pass-2"})
	if dup.Code != http.StatusBadRequest || decodeBody[map[string]string](t, dup)["code"] != "invalid_user" {
		t.Fatalf("expected invalid_user for duplicate, got %d", dup.Code)
	}

	listed := decodeBody[map[string]any](t, doJSON(t, handler, http.MethodGet, "/api/v1/users/editors", admin, nil))
	if listed["count"] != float64(2) {
		t.Fatalf("expected 2 editors, got %v", listed["count"])
	}

	token := loginAs(t, api, "newclerk", "clerk-pass-1")
	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/users/editors", token, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for editor, got %d", rec.Code)
	}
}

func TestDeactivatedEditorLosesAccess(t *testing.T) {
	env := newTestEnv(t)
	handler := env.api.Handler()
	admin := loginAsAdmin(t, env.api)
	editor := loginAs(t, env.api, "editor", "editor123")

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/bills", editor, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected editor token to work, got %d", rec.Code)
	}

	missing := doJSON(t, handler, http.MethodPost, "/api/v1/users/editors/editor/status", admin, map[string]any{})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without active flag, got %d", missing.Code)
	}
	self := doJSON(t, handler, http.MethodPost, "/api/v1/users/editors/admin/status", admin, map[string]bool{"active": false})
	if self.Code != http.StatusBadRequest {
		t.Fatalf("expected admin accounts to be refused, got %d", self.Code)
	}

	off := doJSON(t, handler, http.MethodPost, "/api/v1/users/editors/editor/status", admin, map[string]bool{"active": false})
	if off.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", off.Code, off.Body.String())
	}

	rejected := doJSON(t, handler, http.MethodGet, "/api/v1/bills", editor, nil)
	if rejected.Code != http.StatusUnauthorized || decodeBody[map[string]string](t, rejected)["code"] != "invalid_token" {
		t.Fatalf("expected issued token to stop working, got %d", rejected.Code)
	}
	login := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "editor", Password: "editor123"})
	if login.Code != http.StatusUnauthorized {
		t.Fatalf("expected login to fail for disabled editor, got %d", login.Code)
	}

	on := doJSON(t, handler, http.MethodPost, "/api/v1/users/editors/editor/status", admin, map[string]bool{"active": true})
	if on.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", on.Code)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/bills", editor, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected reactivated editor token to work, got %d", rec.Code)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	doJSON(t, handler, http.MethodGet, "/api/v1/bills/BILL-0000000001", "", nil)

	rec := doJSON(t, handler, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `route="/healthz"`) {
		t.Fatalf("expected healthz route in metrics output")
	}
	if !strings.Contains(body, `route="/api/v1/bills/{id}"`) {
		t.Fatalf("expected bill number to be folded out of route label")
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":                           "/healthz",
		"/api/v1/bills/BILL-1":               "/api/v1/bills/{id}",
		"/api/v1/bills/BILL-1/lineage":       "/api/v1/bills/{id}/lineage",
		"/api/v1/items/ITM-PEN/restock":      "/api/v1/items/{id}/restock",
		"/api/v1/items/a/b/c":                "/api/v1/items/{invalid}",
		"/api/v1/users/editors/clerk/status": "/api/v1/users/editors/{id}/status",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
