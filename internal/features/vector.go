package features

// Vector is the fixed feature schema sent to the oracle. Every field is
// always present; counts are whole numbers stored as float64.
type Vector struct {
	LogonCount                 float64 `json:"logon_count"`
	FailedLoginCount           float64 `json:"failed_login_count"`
	ExternalIPCount            float64 `json:"external_ip_count"`
	LateNightLoginCount        float64 `json:"late_night_login_count"`
	FileAccessCount            float64 `json:"file_access_count"`
	TotalFileSize              float64 `json:"total_file_size"`
	AvgFileSize                float64 `json:"avg_file_size"`
	MaxFileSize                float64 `json:"max_file_size"`
	SensitiveFolderAccessCount float64 `json:"sensitive_folder_access_count"`
	USBCopyCount               float64 `json:"usb_copy_count"`
	EmailCount                 float64 `json:"email_count"`
	TotalEmailSize             float64 `json:"total_email_size"`
	AvgEmailSize               float64 `json:"avg_email_size"`
	EmailWithAttachmentCount   float64 `json:"email_with_attachment_count"`
	ExternalEmailCount         float64 `json:"external_email_count"`
	WebVisitCount              float64 `json:"web_visit_count"`
	SuspiciousDomainCount      float64 `json:"suspicious_domain_count"`
	USBConnectCount            float64 `json:"usb_connect_count"`
	TotalBytesOut              float64 `json:"total_bytes_out"`
	AvgBytesOut                float64 `json:"avg_bytes_out"`
	MaxBytesOut                float64 `json:"max_bytes_out"`
	TotalBytesIn               float64 `json:"total_bytes_in"`
	AvgBytesIn                 float64 `json:"avg_bytes_in"`
	LargeUploadCount           float64 `json:"large_upload_count"`
	LateralMovementCount       float64 `json:"lateral_movement_count"`
	ProcessCount               float64 `json:"process_count"`
	ScriptingToolCount         float64 `json:"scripting_tool_count"`
	HighIntegrityCount         float64 `json:"high_integrity_count"`
}

type field struct {
	name string
	ptr  func(*Vector) *float64
}

// fields lists the schema in wire order.
var fields = []field{
	{"logon_count", func(v *Vector) *float64 { return &v.LogonCount }},
	{"failed_login_count", func(v *Vector) *float64 { return &v.FailedLoginCount }},
	{"external_ip_count", func(v *Vector) *float64 { return &v.ExternalIPCount }},
	{"late_night_login_count", func(v *Vector) *float64 { return &v.LateNightLoginCount }},
	{"file_access_count", func(v *Vector) *float64 { return &v.FileAccessCount }},
	{"total_file_size", func(v *Vector) *float64 { return &v.TotalFileSize }},
	{"avg_file_size", func(v *Vector) *float64 { return &v.AvgFileSize }},
	{"max_file_size", func(v *Vector) *float64 { return &v.MaxFileSize }},
	{"sensitive_folder_access_count", func(v *Vector) *float64 { return &v.SensitiveFolderAccessCount }},
	{"usb_copy_count", func(v *Vector) *float64 { return &v.USBCopyCount }},
	{"email_count", func(v *Vector) *float64 { return &v.EmailCount }},
	{"total_email_size", func(v *Vector) *float64 { return &v.TotalEmailSize }},
	{"avg_email_size", func(v *Vector) *float64 { return &v.AvgEmailSize }},
	{"email_with_attachment_count", func(v *Vector) *float64 { return &v.EmailWithAttachmentCount }},
	{"external_email_count", func(v *Vector) *float64 { return &v.ExternalEmailCount }},
	{"web_visit_count", func(v *Vector) *float64 { return &v.WebVisitCount }},
	{"suspicious_domain_count", func(v *Vector) *float64 { return &v.SuspiciousDomainCount }},
	{"usb_connect_count", func(v *Vector) *float64 { return &v.USBConnectCount }},
	{"total_bytes_out", func(v *Vector) *float64 { return &v.TotalBytesOut }},
	{"avg_bytes_out", func(v *Vector) *float64 { return &v.AvgBytesOut }},
	{"max_bytes_out", func(v *Vector) *float64 { return &v.MaxBytesOut }},
	{"total_bytes_in", func(v *Vector) *float64 { return &v.TotalBytesIn }},
	{"avg_bytes_in", func(v *Vector) *float64 { return &v.AvgBytesIn }},
	{"large_upload_count", func(v *Vector) *float64 { return &v.LargeUploadCount }},
	{"lateral_movement_count", func(v *Vector) *float64 { return &v.LateralMovementCount }},
	{"process_count", func(v *Vector) *float64 { return &v.ProcessCount }},
	{"scripting_tool_count", func(v *Vector) *float64 { return &v.ScriptingToolCount }},
	{"high_integrity_count", func(v *Vector) *float64 { return &v.HighIntegrityCount }},
}

// Names returns the feature names in wire order.
func Names() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}

// Map returns every feature keyed by name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(fields))
	for _, f := range fields {
		m[f.name] = *f.ptr(&v)
	}
	return m
}

// Get returns the named feature and whether the name exists.
func (v Vector) Get(name string) (float64, bool) {
	for _, f := range fields {
		if f.name == name {
			return *f.ptr(&v), true
		}
	}
	return 0, false
}
