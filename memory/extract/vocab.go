package extract

// technologies maps lower-case vocabulary terms to their display name.
var technologies = map[string]string{
	"go": "Go", "golang": "Go", "python": "Python", "java": "Java",
	"javascript": "JavaScript", "typescript": "TypeScript", "rust": "Rust",
	"ruby": "Ruby", "kotlin": "Kotlin", "swift": "Swift", "scala": "Scala",
	"elixir": "Elixir", "haskell": "Haskell", "php": "PHP", "c++": "C++",
	"c#": "C#", "sql": "SQL", "bash": "Bash", "lua": "Lua", "zig": "Zig",
	"wasm": "WebAssembly", "webassembly": "WebAssembly",

	"postgres": "PostgreSQL", "postgresql": "PostgreSQL", "mysql": "MySQL",
	"sqlite": "SQLite", "redis": "Redis", "mongodb": "MongoDB", "cassandra": "Cassandra",
	"dynamodb": "DynamoDB", "elasticsearch": "Elasticsearch", "opensearch": "OpenSearch",
	"clickhouse": "ClickHouse", "neo4j": "Neo4j", "etcd": "etcd", "memcached": "Memcached",
	"cockroachdb": "CockroachDB", "bigquery": "BigQuery", "snowflake": "Snowflake",
	"fts5": "FTS5", "chromem": "chromem-go", "qdrant": "Qdrant", "pgvector": "pgvector",

	"docker": "Docker", "kubernetes": "Kubernetes", "k8s": "Kubernetes", "helm": "Helm",
	"terraform": "Terraform", "ansible": "Ansible", "nginx": "NGINX", "envoy": "Envoy",
	"istio": "Istio", "consul": "Consul", "vault": "Vault", "prometheus": "Prometheus",
	"grafana": "Grafana", "jaeger": "Jaeger", "opentelemetry": "OpenTelemetry",
	"kafka": "Kafka", "rabbitmq": "RabbitMQ", "nats": "NATS", "grpc": "gRPC",
	"graphql": "GraphQL", "rest": "REST", "aws": "AWS", "gcp": "GCP", "azure": "Azure",
	"s3": "S3", "lambda": "Lambda", "ec2": "EC2", "linux": "Linux", "git": "Git",
	"github": "GitHub", "gitlab": "GitLab", "jenkins": "Jenkins", "circleci": "CircleCI",
	"cloudflare": "Cloudflare", "vercel": "Vercel", "heroku": "Heroku",
	"ollama": "Ollama", "openai": "OpenAI",

	"react": "React", "vue": "Vue", "angular": "Angular", "svelte": "Svelte",
	"node.js": "Node.js", "nodejs": "Node.js", "deno": "Deno", "bun": "Bun",
	"django": "Django", "flask": "Flask", "rails": "Rails", "spring": "Spring",
	"fastapi": "FastAPI", "express": "Express", "next.js": "Next.js", "webpack": "webpack",
	"vite": "Vite", "oauth": "OAuth", "jwt": "JWT", "openapi": "OpenAPI",
	"protobuf": "Protocol Buffers", "json": "JSON", "yaml": "YAML", "hnsw": "HNSW",
	"http": "HTTP", "websocket": "WebSocket", "tls": "TLS", "dns": "DNS",
	"celery": "Celery", "airflow": "Airflow", "spark": "Spark", "hadoop": "Hadoop",
	"flink": "Flink", "pandas": "pandas", "numpy": "NumPy", "pytorch": "PyTorch",
	"tensorflow": "TensorFlow",

	"github actions": "GitHub Actions", "google cloud": "Google Cloud",
	"sql server": "SQL Server", "cloud run": "Cloud Run", "app engine": "App Engine",
}

// ambiguous terms only match when capitalized ("Go", not "go").
var ambiguous = map[string]bool{
	"go": true, "rust": true, "swift": true, "ruby": true, "spark": true,
	"spring": true, "express": true, "rails": true, "flask": true, "vault": true,
	"consul": true, "lambda": true, "rest": true, "helm": true, "react": true,
	"envoy": true, "celery": true, "airflow": true, "elixir": true, "bun": true,
	"vue": true, "deno": true, "snowflake": true, "java": true, "scala": true,
	"cassandra": true, "jaeger": true, "nats": true, "pandas": true, "vite": true,
}

// headNouns end concept noun phrases ("session cache", "rate limiter").
var headNouns = set(
	"cache", "queue", "database", "service", "api", "pipeline", "cluster",
	"migration", "deployment", "authentication", "authorization", "session",
	"index", "schema", "storage", "server", "endpoint", "worker", "job",
	"bucket", "table", "topic", "model", "layer", "store", "proxy", "gateway",
	"limiter", "broker", "registry", "backend", "frontend", "workflow",
	"scheduler", "repository", "library", "framework", "bug", "incident",
	"outage", "release", "configuration", "config", "engine", "graph",
	"protocol", "token", "secret", "replication", "backup", "monitoring",
	"logging", "alerting", "flag", "dashboard", "certificate", "webhook",
	"pool", "shard", "replica", "lock", "client", "sdk", "cli", "plugin",
)

// orgSuffixes mark organization names ("Acme Corp").
var orgSuffixes = set(
	"inc", "inc.", "corp", "corp.", "corporation", "llc", "ltd", "ltd.", "gmbh",
	"labs", "foundation", "university", "institute", "company", "group",
	"technologies", "systems", "software", "partners", "ag", "sa",
)

// personCues precede people ("owned by Alice", "ask Bob").
var personCues = set("by", "with", "ask", "cc", "from", "thanks", "ping")

var stopWords = set(
	"a", "an", "the", "and", "or", "but", "nor", "so", "yet", "for", "of", "to",
	"in", "on", "at", "by", "with", "from", "into", "onto", "over", "under",
	"about", "after", "before", "between", "through", "during", "without",
	"is", "are", "was", "were", "be", "been", "being", "am", "do", "does", "did",
	"has", "have", "had", "will", "would", "should", "could", "can", "may",
	"might", "must", "shall", "not", "no", "yes", "this", "that", "these",
	"those", "it", "its", "we", "our", "us", "you", "your", "they", "their",
	"them", "he", "she", "his", "her", "i", "me", "my", "mine", "who", "whom",
	"which", "what", "when", "where", "why", "how", "all", "any", "each",
	"every", "some", "such", "more", "most", "other", "than", "then", "there",
	"here", "also", "just", "only", "very", "too", "use", "used", "using",
	"uses", "via", "per", "if", "else", "as", "like", "new", "old", "todo",
	"note", "notes", "see", "please", "owned", "owns", "works", "working",
	"depends", "requires", "created", "built", "written", "maintained",
	"belongs", "part", "ask", "cc", "thanks", "ping", "monday", "tuesday",
	"wednesday", "thursday", "friday", "saturday", "sunday",
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
