package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// pitchLimit keeps the camera away from gimbal lock (89 degrees).
const pitchLimit = float32(1.55334306)

/**
 * Camera is a perspective camera placed by a position and Euler angles
 * (pitch, yaw, roll). The view matrix is rebuilt lazily after a change.
 */
type Camera struct {
	Position      mgl32.Vec3
	EulerRotation mgl32.Vec3
	// Vertical field of view in radians.
	FovY      float32
	Near, Far float32

	isDirty bool
	view    mgl32.Mat4
}

func NewCamera() *Camera {
	c := &Camera{}
	c.Reset()
	return c
}

// NewLookAtCamera places a camera at eye looking at target.
func NewLookAtCamera(eye, target mgl32.Vec3) *Camera {
	c := NewCamera()
	c.SetPosition(eye)
	c.LookAt(target)
	return c
}

func (c *Camera) Reset() {
	c.Position = mgl32.Vec3{}
	c.EulerRotation = mgl32.Vec3{}
	c.FovY = mgl32.DegToRad(60)
	c.Near = 0.01
	c.Far = 1000
	c.isDirty = false
	c.view = mgl32.Ident4()
}

func (c *Camera) SetPosition(position mgl32.Vec3) {
	c.Position = position
	c.isDirty = true
}

func (c *Camera) SetEulerRotation(rotation mgl32.Vec3) {
	c.EulerRotation = rotation
	c.isDirty = true
}

// LookAt turns the camera towards target. Roll is cleared.
func (c *Camera) LookAt(target mgl32.Vec3) {
	d := target.Sub(c.Position)
	if d.Len() == 0 {
		return
	}
	d = d.Normalize()
	pitch := float32(math.Asin(float64(d[1])))
	yaw := float32(math.Atan2(float64(-d[0]), float64(-d[2])))
	c.SetEulerRotation(mgl32.Vec3{mgl32.Clamp(pitch, -pitchLimit, pitchLimit), yaw, 0})
}

func (c *Camera) rotation() mgl32.Mat4 {
	return mgl32.HomogRotate3DY(c.EulerRotation[1]).
		Mul4(mgl32.HomogRotate3DX(c.EulerRotation[0])).
		Mul4(mgl32.HomogRotate3DZ(c.EulerRotation[2]))
}

// View returns the world to camera matrix.
func (c *Camera) View() mgl32.Mat4 {
	if c.isDirty {
		world := mgl32.Translate3D(c.Position[0], c.Position[1], c.Position[2]).Mul4(c.rotation())
		c.view = world.Inv()
		c.isDirty = false
	}
	return c.view
}

// Projection returns a perspective projection with the Y axis flipped for
// Vulkan clip space.
func (c *Camera) Projection(aspect float32) mgl32.Mat4 {
	p := mgl32.Perspective(c.FovY, aspect, c.Near, c.Far)
	p[5] *= -1
	return p
}

// Inverse returns the inverse view and inverse projection matrices used to
// generate primary rays.
func (c *Camera) Inverse(aspect float32) (invView, invProj mgl32.Mat4) {
	return c.View().Inv(), c.Projection(aspect).Inv()
}

func (c *Camera) Forward() mgl32.Vec3 {
	return c.rotation().Mul4x1(mgl32.Vec4{0, 0, -1, 0}).Vec3()
}

func (c *Camera) Backward() mgl32.Vec3 {
	return c.Forward().Mul(-1)
}

func (c *Camera) Right() mgl32.Vec3 {
	return c.rotation().Mul4x1(mgl32.Vec4{1, 0, 0, 0}).Vec3()
}

func (c *Camera) Left() mgl32.Vec3 {
	return c.Right().Mul(-1)
}

func (c *Camera) MoveForward(amount float32) {
	c.move(c.Forward(), amount)
}

func (c *Camera) MoveBackward(amount float32) {
	c.move(c.Backward(), amount)
}

func (c *Camera) MoveLeft(amount float32) {
	c.move(c.Left(), amount)
}

func (c *Camera) MoveRight(amount float32) {
	c.move(c.Right(), amount)
}

func (c *Camera) MoveUp(amount float32) {
	c.move(mgl32.Vec3{0, 1, 0}, amount)
}

func (c *Camera) MoveDown(amount float32) {
	c.move(mgl32.Vec3{0, -1, 0}, amount)
}

func (c *Camera) move(direction mgl32.Vec3, amount float32) {
	c.Position = c.Position.Add(direction.Mul(amount))
	c.isDirty = true
}

func (c *Camera) Yaw(amount float32) {
	c.EulerRotation[1] += amount
	c.isDirty = true
}

func (c *Camera) Pitch(amount float32) {
	c.EulerRotation[0] = mgl32.Clamp(c.EulerRotation[0]+amount, -pitchLimit, pitchLimit)
	c.isDirty = true
}

// FramingCamera returns a camera looking at the center of the box lo..hi from
// far enough away to see all of it.
func FramingCamera(lo, hi mgl32.Vec3) *Camera {
	center := lo.Add(hi).Mul(0.5)
	radius := hi.Sub(lo).Len() / 2
	if radius == 0 {
		radius = 1
	}
	c := NewCamera()
	distance := radius / float32(math.Tan(float64(c.FovY/2)))
	c.Far = max(c.Far, distance*4)
	c.SetPosition(center.Add(mgl32.Vec3{0, radius * 0.5, distance * 1.1}))
	c.LookAt(center)
	return c
}
