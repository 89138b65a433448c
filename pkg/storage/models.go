package storage

import "time"

type pullRequestModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Repo           string `gorm:"not null;uniqueIndex:idx_pr_number,priority:1"`
	Number         int    `gorm:"not null;uniqueIndex:idx_pr_number,priority:2"`
	URL            string `gorm:"not null;default:''"`
	Title          string `gorm:"not null;default:''"`
	State          string `gorm:"not null;check:state IN ('open','closed','merged')"`
	Merged         bool   `gorm:"not null;default:false"`
	Author         string `gorm:"not null;default:''"`
	BaseSHA        string `gorm:"not null;default:''"`
	HeadSHA        string `gorm:"not null;default:''"`
	Additions      int
	Deletions      int
	ChangedFiles   int
	SurvivingLines int
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false"`
}

func (pullRequestModel) TableName() string { return "pull_requests" }

type changeModel struct {
	Seq           int64             `gorm:"primaryKey;autoIncrement"`
	ID            string            `gorm:"not null;uniqueIndex"`
	PullRequestID int64             `gorm:"not null;index:idx_change_pr"`
	Type          string            `gorm:"not null"`
	Actor         string            `gorm:"not null;default:''"`
	ChangedAt     time.Time         `gorm:"not null"`
	Payload       map[string]string `gorm:"serializer:json"`
}

func (changeModel) TableName() string { return "pull_request_changes" }

type ingestionModel struct {
	ID            int64          `gorm:"primaryKey;autoIncrement"`
	Repo          string         `gorm:"not null;index"`
	PullRequestID int64          `gorm:"not null;uniqueIndex:idx_ingestion_head,priority:1"`
	HeadSHA       string         `gorm:"not null;uniqueIndex:idx_ingestion_head,priority:2"`
	Commits       []commitRecord `gorm:"serializer:json"`
	CreatedAt     time.Time      `gorm:"not null"`
}

type commitRecord struct {
	SHA         string    `json:"sha"`
	Time        time.Time `json:"time"`
	AuthorName  string    `json:"authorName"`
	AuthorLogin string    `json:"authorLogin"`
}

func (ingestionModel) TableName() string { return "ingestions" }

type fileDiffModel struct {
	IngestionID int64  `gorm:"primaryKey;autoIncrement:false"`
	Position    int    `gorm:"primaryKey;autoIncrement:false"`
	Path        string `gorm:"not null"`
	Payload     []byte `gorm:"not null"`
}

func (fileDiffModel) TableName() string { return "file_diffs" }

type studentModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement:false"`
	FullName       string `gorm:"not null"`
	GithubUsername string `gorm:"not null;default:''"`
}

func (studentModel) TableName() string { return "students" }

type sprintModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"not null"`
	StartDate time.Time
}

func (sprintModel) TableName() string { return "sprints" }

type taskModel struct {
	ID               int64   `gorm:"primaryKey;autoIncrement:false"`
	Title            string  `gorm:"not null;default:''"`
	Status           string  `gorm:"not null;default:'';index"`
	EstimationPoints int64   `gorm:"not null;default:0"`
	SprintID         int64   `gorm:"not null;default:0"`
	AssigneeIDs      []int64 `gorm:"serializer:json"`
	PullRequestIDs   []int64 `gorm:"serializer:json"`
}

func (taskModel) TableName() string { return "tasks" }

type reportModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"not null"`
	RowType    string `gorm:"not null"`
	ColumnType string `gorm:"not null"`
	Element    string `gorm:"not null"`
	Magnitude  string `gorm:"not null"`
}

func (reportModel) TableName() string { return "reports" }

type snapshotModel struct {
	ID         string    `gorm:"primaryKey"`
	Repo       string    `gorm:"not null;uniqueIndex:idx_snapshot_ref,priority:1;index:idx_snapshot_file,priority:1"`
	PRID       int64     `gorm:"column:pr_id;not null;uniqueIndex:idx_snapshot_ref,priority:2;index:idx_snapshot_file,priority:2"`
	Path       string    `gorm:"not null;uniqueIndex:idx_snapshot_ref,priority:3;index:idx_snapshot_file,priority:3"`
	HeadSHA    string    `gorm:"not null;uniqueIndex:idx_snapshot_ref,priority:4"`
	DiffDigest string    `gorm:"not null;uniqueIndex:idx_snapshot_ref,priority:5"`
	BlobHash   string    `gorm:"not null;default:''"`
	AliasOf    string    `gorm:"not null;default:''"`
	Payload    []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (snapshotModel) TableName() string { return "snapshots" }
