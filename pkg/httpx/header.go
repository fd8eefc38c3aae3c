package httpx

const (
	HeaderContentType = "Content-Type"
	HeaderUserAgent   = "User-Agent"
	HeaderAccept      = "Accept"
)

const (
	ContentTypeText = "text/plain"
	ContentTypeHTML = "text/html"
	ContentTypeJSON = "application/json"
	ContentTypeGzip = "application/gzip"
	ContentTypeCSV  = "text/csv"
)

// UserAgent is sent on every request made through clients built by this package.
const UserAgent = "relayscan"
