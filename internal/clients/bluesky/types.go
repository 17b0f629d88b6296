package bluesky

// Record collections used by the sync engine.
const (
	CollectionBlock    = "app.bsky.graph.block"
	CollectionList     = "app.bsky.graph.list"
	CollectionListItem = "app.bsky.graph.listitem"

	// PurposeModList marks a list as a moderation list.
	PurposeModList = "app.bsky.graph.defs#modlist"
)

// Session is the token pair returned by createSession and refreshSession.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
}

// RecordRef identifies a created record.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Actor is a network account reference.
type Actor struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// BlockRecord is the record payload of an app.bsky.graph.block.
type BlockRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// ListRecord is the record payload of an app.bsky.graph.list.
type ListRecord struct {
	Type        string `json:"$type"`
	Purpose     string `json:"purpose"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// ListItemRecord is the record payload of an app.bsky.graph.listitem.
type ListItemRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

// BlocksPage is one page of app.bsky.graph.getBlocks.
type BlocksPage struct {
	Blocks []Actor `json:"blocks"`
	Cursor string  `json:"cursor"`
}

// ListView is a list summary from app.bsky.graph.getLists.
type ListView struct {
	URI     string `json:"uri"`
	CID     string `json:"cid"`
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
}

type listsResponse struct {
	Lists []ListView `json:"lists"`
}

// ListItem is one member of a list, from app.bsky.graph.getList.
type ListItem struct {
	URI     string `json:"uri"`
	Subject Actor  `json:"subject"`
}

// ListPage is one page of app.bsky.graph.getList.
type ListPage struct {
	Items  []ListItem `json:"items"`
	Cursor string     `json:"cursor"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
