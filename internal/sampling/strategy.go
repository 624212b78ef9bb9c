package sampling

import (
	"context"
	"fmt"
	"strings"

	"github.com/gambtho/container-assist/internal/workflow"
)

// Strategy produces one candidate artifact for a stage. Strategies are
// independent: a failing strategy never aborts its siblings.
type Strategy interface {
	ID() string
	Generate(ctx context.Context, sctx *Context) (string, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	Name string
	Fn   func(ctx context.Context, sctx *Context) (string, error)
}

func (s StrategyFunc) ID() string { return s.Name }

func (s StrategyFunc) Generate(ctx context.Context, sctx *Context) (string, error) {
	return s.Fn(ctx, sctx)
}

// DefaultStrategies returns the built-in strategy set for a stage kind.
func DefaultStrategies(stage workflow.Stage) []Strategy {
	switch stage {
	case workflow.StageArtifactGeneration:
		return []Strategy{
			StrategyFunc{Name: "minimal-base", Fn: generateMinimalDockerfile},
			StrategyFunc{Name: "multi-stage", Fn: generateMultiStageDockerfile},
			StrategyFunc{Name: "security-hardened", Fn: generateHardenedDockerfile},
		}
	case workflow.StageManifestGeneration:
		return []Strategy{
			StrategyFunc{Name: "deployment-basic", Fn: generateBasicManifest},
			StrategyFunc{Name: "deployment-hardened", Fn: generateHardenedManifest},
			StrategyFunc{Name: "deployment-autoscaled", Fn: generateAutoscaledManifest},
		}
	default:
		return nil
	}
}

type imageSpec struct {
	buildImage   string
	runtimeImage string
	buildCmds    []string
	runCmd       string
	copyArtifact string
}

func specFor(sctx *Context) imageSpec {
	switch sctx.Language {
	case "go":
		return imageSpec{
			buildImage:   "golang:1.24-alpine",
			runtimeImage: "alpine:3.21",
			buildCmds:    []string{"go build -o app ."},
			runCmd:       "./app",
			copyArtifact: "/src/app /app/app",
		}
	case "node":
		return imageSpec{
			buildImage:   "node:22-alpine",
			runtimeImage: "node:22-alpine",
			buildCmds:    []string{"npm ci --omit=dev"},
			runCmd:       "node " + entryOr(sctx, "index.js"),
			copyArtifact: ". /app",
		}
	case "python":
		return imageSpec{
			buildImage:   "python:3.12-slim",
			runtimeImage: "python:3.12-slim",
			buildCmds:    []string{"pip install --no-cache-dir -r requirements.txt"},
			runCmd:       "python " + entryOr(sctx, "app.py"),
			copyArtifact: ". /app",
		}
	case "java":
		return imageSpec{
			buildImage:   "maven:3.9-eclipse-temurin-21",
			runtimeImage: "eclipse-temurin:21-jre-alpine",
			buildCmds:    []string{"mvn -q package -DskipTests"},
			runCmd:       "java -jar app.jar",
			copyArtifact: "/src/target/app.jar /app/app.jar",
		}
	default:
		return imageSpec{
			buildImage:   "debian:bookworm-slim",
			runtimeImage: "debian:bookworm-slim",
			runCmd:       entryOr(sctx, "./run.sh"),
			copyArtifact: ". /app",
		}
	}
}

func entryOr(sctx *Context, fallback string) string {
	if sctx.EntryPoint != "" {
		return sctx.EntryPoint
	}
	return fallback
}

func exposeLines(sctx *Context) string {
	var b strings.Builder
	for _, port := range sctx.Ports {
		fmt.Fprintf(&b, "EXPOSE %d\n", port)
	}
	if b.Len() == 0 {
		b.WriteString("EXPOSE 8080\n")
	}
	return b.String()
}

func generateMinimalDockerfile(_ context.Context, sctx *Context) (string, error) {
	spec := specFor(sctx)
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", spec.runtimeImage)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . /app\n")
	for _, cmd := range spec.buildCmds {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	b.WriteString(exposeLines(sctx))
	fmt.Fprintf(&b, "CMD [%s]\n", quoteCmd(spec.runCmd))
	return b.String(), nil
}

func generateMultiStageDockerfile(_ context.Context, sctx *Context) (string, error) {
	spec := specFor(sctx)
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS build\n", spec.buildImage)
	b.WriteString("WORKDIR /src\n")
	b.WriteString("COPY . /src\n")
	for _, cmd := range spec.buildCmds {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "FROM %s\n", spec.runtimeImage)
	b.WriteString("WORKDIR /app\n")
	if sctx.Language == "go" || sctx.Language == "java" {
		fmt.Fprintf(&b, "COPY --from=build %s\n", spec.copyArtifact)
	} else {
		b.WriteString("COPY --from=build /src /app\n")
	}
	b.WriteString(exposeLines(sctx))
	fmt.Fprintf(&b, "CMD [%s]\n", quoteCmd(spec.runCmd))
	return b.String(), nil
}

func generateHardenedDockerfile(_ context.Context, sctx *Context) (string, error) {
	spec := specFor(sctx)
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS build\n", spec.buildImage)
	b.WriteString("WORKDIR /src\n")
	b.WriteString("COPY . /src\n")
	for _, cmd := range spec.buildCmds {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "FROM %s\n", spec.runtimeImage)
	b.WriteString("RUN addgroup -S app 2>/dev/null || groupadd -r app; adduser -S -G app app 2>/dev/null || useradd -r -g app app\n")
	b.WriteString("WORKDIR /app\n")
	if sctx.Language == "go" || sctx.Language == "java" {
		fmt.Fprintf(&b, "COPY --from=build %s\n", spec.copyArtifact)
	} else {
		b.WriteString("COPY --from=build /src /app\n")
	}
	b.WriteString("USER app\n")
	b.WriteString(exposeLines(sctx))
	port := 8080
	if len(sctx.Ports) > 0 {
		port = sctx.Ports[0]
	}
	fmt.Fprintf(&b, "HEALTHCHECK --interval=30s --timeout=3s CMD wget -q -O /dev/null http://localhost:%d/ || exit 1\n", port)
	fmt.Fprintf(&b, "CMD [%s]\n", quoteCmd(spec.runCmd))
	return b.String(), nil
}

func quoteCmd(cmd string) string {
	parts := strings.Fields(cmd)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return strings.Join(quoted, ", ")
}

func manifestHeader(sctx *Context) (name string, image string, port int) {
	name = "app"
	if sctx.Framework != "" {
		name = sctx.Framework
	}
	image = sctx.ImageRef
	if image == "" {
		image = "app:latest"
	}
	port = 8080
	if len(sctx.Ports) > 0 {
		port = sctx.Ports[0]
	}
	return name, image, port
}

func generateBasicManifest(_ context.Context, sctx *Context) (string, error) {
	name, image, port := manifestHeader(sctx)
	return fmt.Sprintf(`apiVersion: apps/v1
kind: Deployment
metadata:
  name: %[1]s
  labels:
    app: %[1]s
spec:
  replicas: 1
  selector:
    matchLabels:
      app: %[1]s
  template:
    metadata:
      labels:
        app: %[1]s
    spec:
      containers:
        - name: %[1]s
          image: %[2]s
          ports:
            - containerPort: %[3]d
---
apiVersion: v1
kind: Service
metadata:
  name: %[1]s
spec:
  selector:
    app: %[1]s
  ports:
    - port: 80
      targetPort: %[3]d
`, name, image, port), nil
}

func generateHardenedManifest(_ context.Context, sctx *Context) (string, error) {
	name, image, port := manifestHeader(sctx)
	return fmt.Sprintf(`apiVersion: apps/v1
kind: Deployment
metadata:
  name: %[1]s
  labels:
    app: %[1]s
spec:
  replicas: 2
  strategy:
    type: RollingUpdate
  selector:
    matchLabels:
      app: %[1]s
  template:
    metadata:
      labels:
        app: %[1]s
    spec:
      securityContext:
        runAsNonRoot: true
      containers:
        - name: %[1]s
          image: %[2]s
          ports:
            - containerPort: %[3]d
          securityContext:
            allowPrivilegeEscalation: false
            readOnlyRootFilesystem: true
          resources:
            requests:
              cpu: 100m
              memory: 128Mi
            limits:
              cpu: 500m
              memory: 256Mi
          readinessProbe:
            httpGet:
              path: /
              port: %[3]d
          livenessProbe:
            httpGet:
              path: /
              port: %[3]d
---
apiVersion: v1
kind: Service
metadata:
  name: %[1]s
spec:
  selector:
    app: %[1]s
  ports:
    - port: 80
      targetPort: %[3]d
`, name, image, port), nil
}

func generateAutoscaledManifest(ctx context.Context, sctx *Context) (string, error) {
	base, err := generateHardenedManifest(ctx, sctx)
	if err != nil {
		return "", err
	}
	name, _, _ := manifestHeader(sctx)
	return base + fmt.Sprintf(`---
apiVersion: autoscaling/v2
kind: HorizontalPodAutoscaler
metadata:
  name: %[1]s
spec:
  scaleTargetRef:
    apiVersion: apps/v1
    kind: Deployment
    name: %[1]s
  minReplicas: 2
  maxReplicas: 6
  metrics:
    - type: Resource
      resource:
        name: cpu
        target:
          type: Utilization
          averageUtilization: 75
`, name), nil
}
