package schemas

import "time"

// -- Page & Scan Schemas --

// PageStatus is the rolled-up health of a product page.
type PageStatus string

const (
	PageHealthy  PageStatus = "healthy"
	PageWarning  PageStatus = "warning"
	PageCritical PageStatus = "critical"
	PageUnknown  PageStatus = "unknown"
)

// ProductPage is a monitored storefront product detail page.
type ProductPage struct {
	ID            string     `json:"id"`
	ShopID        string     `json:"shop_id"`
	URL           string     `json:"url"`
	Title         string     `json:"title,omitempty"`
	Status        PageStatus `json:"status"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
}

// ScanMode selects how deep a scan goes. Deep scans exercise the purchase funnel.
type ScanMode string

const (
	ScanQuick ScanMode = "quick"
	ScanDeep  ScanMode = "deep"
)

// ScanStatus is the lifecycle state of a Scan record.
type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// Scan records a single pass of the pipeline over one page. A failed scan is
// distinguishable from a completed healthy one and produces no issues.
type Scan struct {
	ID            string            `json:"id"`
	ProductPageID string            `json:"product_page_id"`
	ShopID        string            `json:"shop_id"`
	Mode          ScanMode          `json:"mode"`
	Status        ScanStatus        `json:"status"`
	ErrorReason   string            `json:"error_reason,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ScreenshotKey string            `json:"screenshot_key,omitempty"`
	PageStatus    PageStatus        `json:"page_status,omitempty"`
	PartialLoad   bool              `json:"partial_load"`
	LoadDuration  time.Duration     `json:"load_duration"`
	Technologies  []string          `json:"technologies,omitempty"`
	Results       []DetectionResult `json:"results,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// ScanJob is a unit of work for the scan engine.
type ScanJob struct {
	ScanID      string      `json:"scan_id"`
	Page        ProductPage `json:"page"`
	Mode        ScanMode    `json:"mode"`
	SubmittedAt time.Time   `json:"submitted_at"`
}
